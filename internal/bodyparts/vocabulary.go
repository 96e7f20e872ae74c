package bodyparts

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var DefaultVocabularyYAML []byte

// Vocabulary is the word list the classifier matches against. Category names
// follow the YAML keys.
type Vocabulary struct {
	MidlineParts  []string `yaml:"midline_parts" json:"midline_parts"`
	SpineParts    []string `yaml:"spine_parts" json:"spine_parts"`
	WholeSpine    []string `yaml:"whole_spine" json:"whole_spine"`
	SpineKeyword  []string `yaml:"spine_keyword" json:"spine_keyword"`
	Unilateral    []string `yaml:"unilateral" json:"unilateral"`
	Bilateral     []string `yaml:"bilateral" json:"bilateral"`
	SingularParts []string `yaml:"singular_parts" json:"singular_parts"`
	PluralParts   []string `yaml:"plural_parts" json:"plural_parts"`
	DigitNumber   []string `yaml:"digit_number" json:"digit_number"`
	Digit         []string `yaml:"digit" json:"digit"`
	Joints        []string `yaml:"joints" json:"joints"`
	JointKeyword  []string `yaml:"joint_keyword" json:"joint_keyword"`
	Ignore        []string `yaml:"ignore" json:"ignore"`
}

// LoadVocabulary reads a vocabulary file, or the built-in one when path is empty.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data := DefaultVocabularyYAML
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading vocabulary: %w", err)
		}
	}
	return ParseVocabulary(data)
}

// ParseVocabulary parses and validates vocabulary YAML.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing vocabulary: %w", err)
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Vocabulary) categories() map[string][]string {
	return map[string][]string{
		"midline_parts":  v.MidlineParts,
		"spine_parts":    v.SpineParts,
		"whole_spine":    v.WholeSpine,
		"spine_keyword":  v.SpineKeyword,
		"unilateral":     v.Unilateral,
		"bilateral":      v.Bilateral,
		"singular_parts": v.SingularParts,
		"plural_parts":   v.PluralParts,
		"digit_number":   v.DigitNumber,
		"digit":          v.Digit,
		"joints":         v.Joints,
		"joint_keyword":  v.JointKeyword,
		"ignore":         v.Ignore,
	}
}

func (v *Vocabulary) validate() error {
	required := []string{"midline_parts", "spine_parts", "spine_keyword", "singular_parts", "plural_parts"}
	cats := v.categories()
	for _, name := range required {
		if len(cats[name]) == 0 {
			return fmt.Errorf("vocabulary: %s must not be empty", name)
		}
	}

	keywords := make(map[string]bool)
	for _, k := range cats["spine_keyword"] {
		keywords[normalise(k)] = true
	}
	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "spine_keyword" {
			continue
		}
		for _, entry := range cats[name] {
			if strings.TrimSpace(entry) == "" {
				return fmt.Errorf("vocabulary: empty entry in %s", name)
			}
			if keywords[normalise(entry)] {
				return fmt.Errorf("vocabulary: spine keyword %q must not appear in %s", entry, name)
			}
		}
	}
	return nil
}

// phraseSet matches vocabulary entries of one or more words.
type phraseSet struct {
	byFirst map[string][][]string
}

func newPhraseSet(entries []string) phraseSet {
	ps := phraseSet{byFirst: make(map[string][][]string)}
	for _, e := range entries {
		words := tokenize(e)
		if len(words) == 0 {
			continue
		}
		ps.byFirst[words[0]] = append(ps.byFirst[words[0]], words)
	}
	for first := range ps.byFirst {
		sort.SliceStable(ps.byFirst[first], func(i, j int) bool {
			return len(ps.byFirst[first][i]) > len(ps.byFirst[first][j])
		})
	}
	return ps
}

// match returns the length in tokens of the longest entry starting at i, or 0.
func (ps phraseSet) match(tokens []string, i int) int {
	if i >= len(tokens) {
		return 0
	}
	for _, words := range ps.byFirst[tokens[i]] {
		if i+len(words) > len(tokens) {
			continue
		}
		ok := true
		for k, w := range words {
			if tokens[i+k] != w {
				ok = false
				break
			}
		}
		if ok {
			return len(words)
		}
	}
	return 0
}

func normalise(s string) string {
	return strings.Join(tokenize(s), " ")
}

// tokenize upper-cases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}
