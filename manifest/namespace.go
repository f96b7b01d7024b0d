package manifest

import (
	"strings"
	"unicode"

	"github.com/chazu/quill/pkg/bytecode"
)

// ToModuleName converts a dependency name to a module name segment.
// "my-app" -> "my_app", "myApp" -> "my_app", "Models" -> "models"
func ToModuleName(s string) string {
	var sb strings.Builder
	var prev rune
	for i, r := range s {
		orig := r
		switch {
		case r == '-' || r == '_' || r == '.' || r == ' ':
			if sb.Len() > 0 && prev != '_' {
				sb.WriteByte('_')
				prev = '_'
			}
			continue
		case unicode.IsUpper(r):
			if i > 0 && unicode.IsLower(prev) && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			r = unicode.ToLower(r)
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			continue
		}
		sb.WriteRune(r)
		prev = orig
	}
	return strings.TrimSuffix(sb.String(), "_")
}

// IsReservedNamespace reports whether the root segment of a dotted
// module name collides with a host module or a builtin function. Only
// the root is checked: "vendor.sys" is fine.
func IsReservedNamespace(name string) bool {
	root := name
	if i := strings.Index(name, "."); i >= 0 {
		root = name[:i]
	}
	return root == "sys" || bytecode.IsBuiltin(root)
}

// Qualify joins a namespace and a module name.
func Qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
