package evaluation

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

//go:embed result_schema.json
var resultSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func resultSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("result_schema.json", strings.NewReader(resultSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("result_schema.json")
	})
	return schema, schemaErr
}

// Result 是从评估产物中提取的关键数值。
type Result struct {
	StrategyKey string
	Score       float64
	Trades      int
}

// ReadResult 读取并校验评估产物，按 scorePath/tradesPath（{id} 会被替换）提取分数。
// 路径未命中时退回到 strategy 对象中的第一项。
func ReadResult(path, id, scorePath, tradesPath string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read result %s: %w", path, err)
	}
	return ParseResult(raw, id, scorePath, tradesPath)
}

func ParseResult(raw []byte, id, scorePath, tradesPath string) (Result, error) {
	if !gjson.ValidBytes(raw) {
		return Result{}, fmt.Errorf("result is not valid JSON")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	sch, err := resultSchema()
	if err != nil {
		return Result{}, fmt.Errorf("compile result schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("result schema: %w", err)
	}

	escaped := escapePath(id)
	key := id
	score := gjson.GetBytes(raw, strings.ReplaceAll(scorePath, "{id}", escaped))
	trades := gjson.GetBytes(raw, strings.ReplaceAll(tradesPath, "{id}", escaped))
	if !score.Exists() {
		gjson.GetBytes(raw, "strategy").ForEach(func(k, v gjson.Result) bool {
			key = k.String()
			score = v.Get("profit_total")
			trades = v.Get("total_trades")
			return false
		})
	}
	if !score.Exists() || score.Type != gjson.Number {
		return Result{}, fmt.Errorf("result has no numeric score for %s", id)
	}
	return Result{StrategyKey: key, Score: score.Float(), Trades: int(trades.Int())}, nil
}

// escapePath 转义 gjson 路径中的特殊字符。
func escapePath(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
