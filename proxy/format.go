package proxy

import (
	"fmt"
	"strings"
)

// FormatSQL 将 SQL 与参数格式化为多行注释形式，用于日志
//
//	-- select 1 where id = ?
//	-- Parameters:
//	-- [42]
func FormatSQL(query string, params []any) string {
	var b strings.Builder
	b.WriteString("-- ")
	b.WriteString(query)
	if len(params) > 0 {
		b.WriteString("\n-- Parameters:\n-- ")
		b.WriteString(formatParams(params))
	}
	return b.String()
}

func formatParams(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case nil:
			parts[i] = "NULL"
		case string:
			parts[i] = fmt.Sprintf("%q", v)
		case []byte:
			parts[i] = fmt.Sprintf("<%d bytes>", len(v))
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
