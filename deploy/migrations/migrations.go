package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

// Files 暴露所有 SQL 迁移文件，按文件名顺序执行。
//
//go:embed *.sql
var Files embed.FS

// Statements 按文件名顺序返回全部迁移语句。
func Statements() ([]string, error) {
	entries, err := fs.Glob(Files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	statements := make([]string, 0, len(entries))
	for _, name := range entries {
		content, err := Files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		statements = append(statements, string(content))
	}
	return statements, nil
}
