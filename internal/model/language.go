package model

import (
	"errors"
	"fmt"
	"strings"
)

// Language is the candidate's programming language for the coding phase.
type Language string

const (
	LanguageC      Language = "C"
	LanguageCPP    Language = "C++"
	LanguageJava   Language = "Java"
	LanguagePython Language = "Python"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// ParseLanguage accepts the display name or the lowercase wire name.
func ParseLanguage(raw string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "c":
		return LanguageC, nil
	case "c++", "cpp":
		return LanguageCPP, nil
	case "java":
		return LanguageJava, nil
	case "python", "py":
		return LanguagePython, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, raw)
}

// WireName is the lowercase name sent to the code-execution collaborator.
func (l Language) WireName() string {
	return strings.ToLower(string(l))
}
