package domain

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	DefaultLanguage   = "plaintext"
	DefaultExpiration = "1d"
)

type Language struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

type Expiration struct {
	Code     string        `json:"code"`
	Duration time.Duration `json:"-"`
	Seconds  int64         `json:"seconds"`
}

// Options is the immutable set of supported languages and expirations. It is
// built once at startup and shared read-only.
type Options struct {
	languages         map[string]string
	expirations       map[string]time.Duration
	defaultLanguage   string
	defaultExpiration string
	languageList      []Language
	expirationList    []Expiration
}

func NewOptions(languages map[string]string, expirations map[string]time.Duration, defaultLanguage, defaultExpiration string) (*Options, error) {
	if len(languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	if len(expirations) == 0 {
		return nil, fmt.Errorf("at least one expiration is required")
	}
	if _, ok := languages[defaultLanguage]; !ok {
		return nil, fmt.Errorf("default language %q is not a supported language", defaultLanguage)
	}
	if _, ok := expirations[defaultExpiration]; !ok {
		return nil, fmt.Errorf("default expiration %q is not a supported expiration", defaultExpiration)
	}
	o := &Options{
		languages:         make(map[string]string, len(languages)),
		expirations:       make(map[string]time.Duration, len(expirations)),
		defaultLanguage:   defaultLanguage,
		defaultExpiration: defaultExpiration,
	}
	for code, label := range languages {
		if code == "" {
			return nil, fmt.Errorf("empty language code")
		}
		o.languages[code] = label
		o.languageList = append(o.languageList, Language{Code: code, Label: label})
	}
	for code, d := range expirations {
		if d <= 0 {
			return nil, fmt.Errorf("expiration %q must be positive", code)
		}
		o.expirations[code] = d
		o.expirationList = append(o.expirationList, Expiration{Code: code, Duration: d, Seconds: int64(d / time.Second)})
	}
	col := collate.New(language.English, collate.IgnoreCase, collate.Numeric)
	sort.SliceStable(o.languageList, func(i, j int) bool {
		if c := col.CompareString(o.languageList[i].Label, o.languageList[j].Label); c != 0 {
			return c < 0
		}
		return o.languageList[i].Code < o.languageList[j].Code
	})
	sort.Slice(o.expirationList, func(i, j int) bool {
		return o.expirationList[i].Duration < o.expirationList[j].Duration
	})
	return o, nil
}

func DefaultOptions() *Options {
	o, err := NewOptions(map[string]string{
		"plaintext":  "Plain text",
		"javascript": "JavaScript",
		"typescript": "TypeScript",
		"php":        "PHP",
		"html":       "HTML",
		"css":        "CSS",
		"json":       "JSON",
		"yaml":       "YAML",
		"xml":        "XML",
		"markdown":   "Markdown",
		"bash":       "Bash",
		"toml":       "TOML",
		"ini":        "INI",
		"sql":        "SQL",
		"python":     "Python",
		"rust":       "Rust",
		"go":         "Go",
		"java":       "Java",
		"c":          "C",
		"cpp":        "C++",
		"csharp":     "C#",
		"swift":      "Swift",
		"kotlin":     "Kotlin",
		"ruby":       "Ruby",
		"lua":        "Lua",
		"perl":       "Perl",
		"powershell": "PowerShell",
		"r":          "R",
		"haskell":    "Haskell",
		"glsl":       "GLSL",
		"fsharp":     "F#",
		"ocaml":      "OCaml",
		"lisp":       "LISP",
		"batch":      "BATCH",
		"vbnet":      "Visual Basic .NET",
	}, map[string]time.Duration{
		"10m": 10 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"10w": 70 * 24 * time.Hour,
	}, DefaultLanguage, DefaultExpiration)
	if err != nil {
		panic(err)
	}
	return o
}

// ResolveLanguage returns code when it is supported and the default language
// otherwise. coerced reports whether the default was substituted.
func (o *Options) ResolveLanguage(code string) (resolved string, coerced bool) {
	if _, ok := o.languages[code]; ok {
		return code, false
	}
	return o.defaultLanguage, true
}

// ResolveExpiration is ResolveLanguage for expiration codes; it also returns
// the duration of the resolved code.
func (o *Options) ResolveExpiration(code string) (resolved string, ttl time.Duration, coerced bool) {
	if d, ok := o.expirations[code]; ok {
		return code, d, false
	}
	return o.defaultExpiration, o.expirations[o.defaultExpiration], true
}

func (o *Options) DefaultLanguage() string   { return o.defaultLanguage }
func (o *Options) DefaultExpiration() string { return o.defaultExpiration }

// Languages returns the supported languages ordered by label, case-insensitive
// with numeric runs compared by value.
func (o *Options) Languages() []Language {
	out := make([]Language, len(o.languageList))
	copy(out, o.languageList)
	return out
}

// Expirations returns the supported expirations, shortest first.
func (o *Options) Expirations() []Expiration {
	out := make([]Expiration, len(o.expirationList))
	copy(out, o.expirationList)
	return out
}
