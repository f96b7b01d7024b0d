package bytecode

// Builtins are the global functions every module can call without an
// import. OpLoadBuiltin names one of them.
var Builtins = []string{"print", "len", "str", "int", "float", "type", "range", "keys"}

// IsBuiltin reports whether name is a builtin function.
func IsBuiltin(name string) bool {
	for _, b := range Builtins {
		if b == name {
			return true
		}
	}
	return false
}
