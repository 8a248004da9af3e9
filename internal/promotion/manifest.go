package promotion

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const backupLayout = "20060102T150405Z"

// Manifest 与晋升产物一起写入 promoted 目录，供下游部署读取。
type Manifest struct {
	StrategyID string    `yaml:"strategy_id"`
	Category   string    `yaml:"category,omitempty"`
	Producer   string    `yaml:"producer,omitempty"`
	Score      float64   `yaml:"score"`
	Weighted   float64   `yaml:"weighted_score"`
	Trades     int       `yaml:"eval_trades"`
	PromotedAt time.Time `yaml:"promoted_at"`
	Source     string    `yaml:"source_artifact"`
	Artifact   string    `yaml:"artifact"`
	Backup     string    `yaml:"backup,omitempty"`
	Reasons    []string  `yaml:"reasons"`
}

func writeManifest(path string, m Manifest) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
}

// backupExisting 把已存在的晋升产物改名为带时间戳后缀的备份，不存在时返回空串。
func backupExisting(dest string, at time.Time) (string, error) {
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	backup := fmt.Sprintf("%s.%s.bak", dest, at.UTC().Format(backupLayout))
	for i := 1; ; i++ {
		if _, err := os.Stat(backup); os.IsNotExist(err) {
			break
		}
		backup = fmt.Sprintf("%s.%s-%d.bak", dest, at.UTC().Format(backupLayout), i)
	}
	if err := os.Rename(dest, backup); err != nil {
		return "", fmt.Errorf("backup %s: %w", dest, err)
	}
	return backup, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dest, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeAtomic 先写同目录临时文件再 rename，避免下游读到半截文件。
func writeAtomic(dest string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
