// Package profile validates profile attribute updates and relays them to
// the identity provider's user-management API.
package profile

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Attribute is a single user attribute as the provider expects it.
type Attribute struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// Provider attribute names written by ParseUpdate.
const (
	AttrPhoneNumber         = "phone_number"
	AttrName                = "name"
	AttrHandle              = "custom:handle"
	AttrLocale              = "custom:locale"
	AttrPhoneNumberVerified = "phone_number_verified"
)

// E.164: country code never starts with 0, 7 to 19 digits after it.
var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,18}$`)

// ParseUpdate turns a decoded JSON request body into the attributes to send.
// Only phone_number, name, handle, locale and phone_number_verified are
// read; every other key is ignored. The first invalid field aborts parsing.
func ParseUpdate(raw map[string]any) ([]Attribute, error) {
	var attrs []Attribute

	if phone := normalizePhone(raw["phone_number"]); phone != "" {
		if !phonePattern.MatchString(phone) {
			return nil, &ValidationError{Field: "phone_number", Key: MsgInvalidPhone}
		}
		attrs = append(attrs, Attribute{Name: AttrPhoneNumber, Value: phone})
	}

	if name := normalizeText(raw["name"]); name != "" {
		attrs = append(attrs, Attribute{Name: AttrName, Value: name})
	}

	if handle := normalizeText(raw["handle"]); handle != "" {
		if n := utf8.RuneCountInString(handle); n < 3 || n > 30 {
			return nil, &ValidationError{Field: "handle", Key: MsgInvalidHandle}
		}
		attrs = append(attrs, Attribute{Name: AttrHandle, Value: handle})
	}

	if locale := normalizeText(raw["locale"]); locale != "" {
		if n := utf8.RuneCountInString(locale); n < 2 || n > 5 {
			return nil, &ValidationError{Field: "locale", Key: MsgInvalidLocale}
		}
		attrs = append(attrs, Attribute{Name: AttrLocale, Value: locale})
	}

	if truthy(raw["phone_number_verified"]) {
		attrs = append(attrs, Attribute{Name: AttrPhoneNumberVerified, Value: "true"})
	}

	if len(attrs) == 0 {
		return nil, &ValidationError{Key: MsgNothingToUpdate}
	}
	return attrs, nil
}

func normalizeText(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// normalizePhone folds full-width input to ASCII. Numbers typed with a
// leading + keep their digits and lose whitespace; anything else is
// reduced to its digits and prefixed with +.
func normalizePhone(v any) string {
	s := normalizeText(v)
	if s == "" {
		return ""
	}
	s = width.Narrow.String(s)

	if strings.HasPrefix(s, "+") {
		return strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, s)
	}
	return "+" + strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true
		}
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
