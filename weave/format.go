package weave

import (
	"fmt"
	"strings"
	"unicode"
)

var modelNameReplacer = strings.NewReplacer(
	"/", "__",
	"-", "_",
	".", "__",
	":", "__",
	"@", "__",
)

// FormatModelName turns a harness model identifier into a tracer object name.
// Separators become underscores and a leading digit gets an underscore prefix,
// so "anthropic/claude-3-5-sonnet-latest" becomes
// "anthropic__claude_3_5_sonnet_latest". The function is idempotent.
func FormatModelName(name string) string {
	formatted := modelNameReplacer.Replace(name)
	if formatted == "" {
		return "_"
	}
	if first := rune(formatted[0]); unicode.IsDigit(first) {
		formatted = "_" + formatted
	}
	return formatted
}

// Placeholders understood by FormatSampleDisplayName.
const (
	placeholderTaskName = "task_name"
	placeholderSampleID = "sample_id"
	placeholderEpoch    = "epoch"
)

// FormatSampleDisplayName renders a per-sample call name from template. The
// template may reference {task_name}, {sample_id} and {epoch}; "{{" and "}}"
// produce literal braces. An empty template, an unknown placeholder or an
// unbalanced brace falls back to "<task>-sample-<id>-epoch-<epoch>".
func FormatSampleDisplayName(template, taskName string, sampleID any, epoch int) string {
	values := map[string]string{
		placeholderTaskName: taskName,
		placeholderSampleID: fmt.Sprint(sampleID),
		placeholderEpoch:    fmt.Sprint(epoch),
	}
	fallback := fmt.Sprintf("%s-sample-%s-epoch-%d", taskName, values[placeholderSampleID], epoch)

	if template == "" {
		return fallback
	}

	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return fallback
			}
			v, ok := values[template[i+1:i+1+end]]
			if !ok {
				return fallback
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return fallback
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
