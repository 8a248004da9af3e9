package supervisor

import (
	"strings"

	"quantforge/internal/config"
)

// Expand 替换参数中的 {name} 占位符，未知占位符保持原样。
func Expand(args []string, vars map[string]string) []string {
	if len(args) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = r.Replace(arg)
	}
	return out
}

// SpecFrom 由命令配置构造 Spec，Command/Dir/Env 同样做占位符替换。
func SpecFrom(name string, c config.CommandConfig, vars map[string]string) Spec {
	expanded := Expand(append([]string{c.Command, c.Dir}, c.Env...), vars)
	return Spec{
		Name:    name,
		Command: expanded[0],
		Dir:     expanded[1],
		Env:     expanded[2:],
		Args:    Expand(c.Args, vars),
		Timeout: c.TimeoutDuration(),
	}
}
