package loader

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"quantforge/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const defaultTierWeight = 0.5

// TierDefinition 描述一个候选生成方（producer）的质量档位。
type TierDefinition struct {
	Name   string  `mapstructure:"-"`
	Weight float64 `mapstructure:"weight"`
	Note   string  `mapstructure:"note"`
}

// FileConfig 是 tiers.yaml 的完整结构。
type FileConfig struct {
	DefaultWeight float64                   `mapstructure:"default_weight"`
	Producers     map[string]TierDefinition `mapstructure:"producers"`
}

// TierSnapshot 对外暴露的只读快照。
type TierSnapshot struct {
	Version       int64
	LoadedAt      time.Time
	DefaultWeight float64
	Producers     map[string]TierDefinition
}

// Weight 返回 producer 的档位权重（0~1），未知 producer 使用默认权重。
func (s TierSnapshot) Weight(producer string) float64 {
	if def, ok := s.Producers[strings.ToLower(strings.TrimSpace(producer))]; ok {
		return def.Weight
	}
	return s.DefaultWeight
}

// Names 按权重降序列出已配置的 producer。
func (s TierSnapshot) Names() []string {
	names := make([]string, 0, len(s.Producers))
	for name := range s.Producers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		wi, wj := s.Producers[names[i]].Weight, s.Producers[names[j]].Weight
		if wi != wj {
			return wi > wj
		}
		return names[i] < names[j]
	})
	return names
}

// ChangeListener 在配置变更时被调用。
type ChangeListener func(TierSnapshot)

// TierLoader 从 YAML 读取 producer 档位表，并通过 fsnotify 热更新。
type TierLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  TierSnapshot
	listeners []ChangeListener
}

// NewTierLoader 读取配置文件并开始监听 FS 事件。
func NewTierLoader(path string) (*TierLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("tier loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tier config failed: %w", err)
	}
	loader := &TierLoader{path: path, v: v}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := loader.reload(); err != nil {
			logger.Errorf("tier reload failed (%s): %v", evt.Name, err)
			return
		}
		loader.notify()
	})
	v.WatchConfig()
	return loader, nil
}

// Static 构造不监听文件的档位表，未配置 tiers_path 或测试时使用。
func Static(defaultWeight float64, weights map[string]float64) *TierLoader {
	producers := make(map[string]TierDefinition, len(weights))
	for name, w := range weights {
		key := strings.ToLower(strings.TrimSpace(name))
		producers[key] = TierDefinition{Name: key, Weight: clampWeight(w)}
	}
	if defaultWeight <= 0 {
		defaultWeight = defaultTierWeight
	}
	return &TierLoader{snapshot: TierSnapshot{
		Version:       1,
		LoadedAt:      time.Now(),
		DefaultWeight: clampWeight(defaultWeight),
		Producers:     producers,
	}}
}

// Snapshot 返回当前配置快照（深拷贝）。
func (l *TierLoader) Snapshot() TierSnapshot {
	if l == nil {
		return TierSnapshot{DefaultWeight: defaultTierWeight}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Weight 是 Snapshot().Weight 的快捷方式。
func (l *TierLoader) Weight(producer string) float64 {
	if l == nil {
		return defaultTierWeight
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot.Weight(producer)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *TierLoader) Subscribe(fn ChangeListener) {
	if l == nil || fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go safeCall(fn, snap)
}

func (l *TierLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		if fn != nil {
			go safeCall(fn, snap)
		}
	}
}

func safeCall(fn ChangeListener, snap TierSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("tier listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (l *TierLoader) reload() error {
	var fileCfg FileConfig
	if err := l.v.Unmarshal(&fileCfg); err != nil {
		return fmt.Errorf("parse tier config failed: %w", err)
	}
	producers := make(map[string]TierDefinition, len(fileCfg.Producers))
	for name, def := range fileCfg.Producers {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		def.Name = key
		def.Weight = clampWeight(def.Weight)
		producers[key] = def
	}
	def := fileCfg.DefaultWeight
	if def <= 0 {
		def = defaultTierWeight
	}
	l.mu.Lock()
	l.snapshot = TierSnapshot{
		Version:       l.snapshot.Version + 1,
		LoadedAt:      time.Now(),
		DefaultWeight: clampWeight(def),
		Producers:     producers,
	}
	l.mu.Unlock()
	logger.Infof("Tier loader reloaded %d producers from %s", len(producers), filepath.Base(l.path))
	return nil
}

func clampWeight(w float64) float64 {
	switch {
	case w < 0:
		return 0
	case w > 1:
		return 1
	default:
		return w
	}
}

func cloneSnapshot(src TierSnapshot) TierSnapshot {
	dst := src
	dst.Producers = make(map[string]TierDefinition, len(src.Producers))
	for k, v := range src.Producers {
		dst.Producers[k] = v
	}
	return dst
}
