package detect

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Pattern is one scored regex with a human-readable description that
// ends up in the finding's reason string.
type Pattern struct {
	Regex       string `toml:"regex"`
	Description string `toml:"description"`
}

// LanguageRules is the policy data for one language: regex patterns
// (2 points per hit), bare keywords (1 point per hit) and the file
// extensions that boost a matching verdict.
type LanguageRules struct {
	Patterns   []Pattern `toml:"patterns"`
	Keywords   []string  `toml:"keywords"`
	Extensions []string  `toml:"extensions"`
}

// Policy is the full detection rule table. The engine's scoring is
// fixed; everything here is data an operator can replace.
type Policy struct {
	Languages map[string]LanguageRules `toml:"languages"`
}

// LoadPolicy reads a TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}
	if len(p.Languages) == 0 {
		return nil, fmt.Errorf("policy %s defines no languages", path)
	}
	return &p, nil
}

// DefaultPolicy covers the languages the fleet is tasked with
// sweeping. Pattern weights follow the tuning of the production rule
// set; see Analyze for how hits turn into a confidence.
func DefaultPolicy() *Policy {
	return &Policy{Languages: map[string]LanguageRules{
		"python": {
			Patterns: []Pattern{
				{`def\s+\w+\s*\([^)]*\)\s*:`, "function definition"},
				{`class\s+\w+\s*(\([^)]*\))?\s*:`, "class definition"},
				{`import\s+[\w.]+`, "import statement"},
				{`from\s+[\w.]+\s+import`, "from-import statement"},
				{`if\s+__name__\s*==\s*["']__main__["']`, "main guard"},
				{`@\w+`, "decorator"},
				{`(print|input)\s*\(`, "built-in function"},
				{`"""[\s\S]*?"""|'''[\s\S]*?'''`, "docstring"},
			},
			Keywords: []string{
				"def", "class", "import", "from", "if", "else", "elif",
				"for", "while", "try", "except", "finally", "with",
				"return", "yield", "lambda", "pass", "break", "continue",
				"True", "False", "None", "and", "or", "not", "in", "is",
			},
			Extensions: []string{".py", ".pyw"},
		},
		"matlab": {
			Patterns: []Pattern{
				{`function\s+.*=.*\([^)]*\)`, "function definition"},
				{`\bend\b`, "end keyword"},
				{`%[^\n]*`, "matlab comment"},
				{`fprintf\s*\(`, "fprintf call"},
				{`disp\s*\(`, "disp call"},
				{`plot\s*\(`, "plot call"},
				{`clc\s*;?`, "clear command"},
				{`figure\s*(\(\d+\))?`, "figure command"},
			},
			Keywords: []string{
				"function", "end", "if", "else", "elseif", "for", "while",
				"return", "fprintf", "disp", "plot", "figure", "hold",
				"clc", "clear", "load", "save", "input",
			},
			Extensions: []string{".m", ".fig"},
		},
		"c": {
			Patterns: []Pattern{
				{`#include\s*<[^>]+>`, "include directive"},
				{`#include\s*"[^"]+"`, "local include"},
				{`int\s+main\s*\(`, "main function"},
				{`printf\s*\(`, "printf call"},
				{`(malloc|calloc|free)\s*\(`, "heap call"},
				{`struct\s+\w+\s*\{`, "struct definition"},
				{`typedef\s+`, "typedef"},
				{`//[^\n]*`, "single-line comment"},
				{`/\*[\s\S]*?\*/`, "multi-line comment"},
			},
			Keywords: []string{
				"int", "char", "float", "double", "void", "struct", "typedef",
				"return", "if", "else", "for", "while", "switch", "case",
				"break", "continue", "sizeof", "static", "const", "unsigned",
			},
			Extensions: []string{".c", ".h"},
		},
		"cpp": {
			Patterns: []Pattern{
				{`#include\s*<[^>]+>`, "include directive"},
				{`std::\w+`, "std namespace use"},
				{`(cout\s*<<|cin\s*>>)`, "stream io"},
				{`class\s+\w+`, "class definition"},
				{`template\s*<`, "template"},
				{`namespace\s+\w+`, "namespace"},
				{`(public|private|protected)\s*:`, "access specifier"},
				{`new\s+\w+\s*\(`, "object creation"},
				{`//[^\n]*`, "single-line comment"},
				{`/\*[\s\S]*?\*/`, "multi-line comment"},
			},
			Keywords: []string{
				"class", "public", "private", "protected", "virtual",
				"template", "namespace", "using", "new", "delete", "return",
				"if", "else", "for", "while", "auto", "const", "static",
				"void", "int", "bool",
			},
			Extensions: []string{".cpp", ".cc", ".cxx", ".hpp", ".hh"},
		},
		"java": {
			Patterns: []Pattern{
				{`public\s+class\s+\w+`, "class definition"},
				{`private\s+class\s+\w+`, "class definition"},
				{`public\s+static\s+void\s+main`, "main method"},
				{`(public|private)\s+\w+\s+\w+\s*\([^)]*\)`, "method definition"},
				{`import\s+[\w.]+;`, "import statement"},
				{`package\s+[\w.]+;`, "package statement"},
				{`new\s+\w+\s*\(`, "object creation"},
				{`@Override`, "annotation"},
				{`System\.out\.print`, "print statement"},
				{`//[^\n]*`, "single-line comment"},
				{`/\*[\s\S]*?\*/`, "multi-line comment"},
			},
			Keywords: []string{
				"public", "private", "protected", "class", "interface", "extends",
				"implements", "void", "int", "String", "boolean", "double",
				"if", "else", "for", "while", "switch", "case", "return",
				"new", "this", "super", "static", "final", "abstract",
				"try", "catch", "throw", "throws", "import", "package",
			},
			Extensions: []string{".java"},
		},
	}}
}
