// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securecore.
//
// go-securecore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package authguard

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// Strength is a password strength rating.
type Strength string

const (
	StrengthVeryWeak   Strength = "very-weak"
	StrengthWeak       Strength = "weak"
	StrengthMedium     Strength = "medium"
	StrengthStrong     Strength = "strong"
	StrengthVeryStrong Strength = "very-strong"
)

var strengthRank = map[Strength]int{
	StrengthVeryWeak:   0,
	StrengthWeak:       1,
	StrengthMedium:     2,
	StrengthStrong:     3,
	StrengthVeryStrong: 4,
}

// AtLeast reports whether s is rated min or better.
func (s Strength) AtLeast(min Strength) bool {
	return strengthRank[s] >= strengthRank[min]
}

// ParseStrength validates a strength name.
func ParseStrength(name string) (Strength, error) {
	s := Strength(name)
	if _, ok := strengthRank[s]; !ok {
		return "", secerr.InvalidArgument("authguard.ParseStrength", "unknown strength %q", name)
	}
	return s, nil
}

// StrengthResult is the outcome of ValidateStrength. Feedback never echoes
// the password.
type StrengthResult struct {
	Strength Strength `json:"strength"`
	Score    int      `json:"score"`
	Feedback []string `json:"feedback"`
}

const (
	minGeneratedLength = 8
	maxGeneratedLength = 256

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!#$%&()*+,-./:;<=>?@[]^_{|}~"

	passwordAlphabet = lowerChars + upperChars + digitChars + symbolChars
)

// commonPasswords is matched case-insensitively after stripping trailing
// digits and symbols, so "Password1!" is caught too.
var commonPasswords = map[string]struct{}{}

func init() {
	for _, p := range []string{
		"password", "passw0rd", "123456", "12345678", "123456789", "1234567890",
		"qwerty", "qwertyuiop", "abc123", "111111", "000000", "letmein",
		"welcome", "monkey", "dragon", "football", "baseball", "iloveyou",
		"admin", "administrator", "login", "master", "sunshine", "princess",
		"shadow", "superman", "trustno1", "secret", "changeme", "default",
		"hello", "freedom", "whatever", "qazwsx", "zaq12wsx", "1q2w3e4r",
		"asdfghjkl", "michael", "jennifer", "hunter2", "starwars", "computer",
		"internet", "pokemon", "cheese", "summer", "winter", "spring", "autumn",
		"root", "toor", "test", "guest", "user",
	} {
		commonPasswords[p] = struct{}{}
	}
}

func isCommon(password string) bool {
	lower := strings.ToLower(password)
	if _, ok := commonPasswords[lower]; ok {
		return true
	}
	base := strings.TrimRightFunc(lower, func(r rune) bool {
		return unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	if base == "" {
		return false
	}
	_, ok := commonPasswords[base]
	return ok
}

func hasRun(password string) (repeated, sequential bool) {
	runes := []rune(password)
	for i := 2; i < len(runes); i++ {
		a, b, c := runes[i-2], runes[i-1], runes[i]
		if a == b && b == c {
			repeated = true
		}
		if (b-a == 1 && c-b == 1) || (a-b == 1 && b-c == 1) {
			sequential = true
		}
	}
	return repeated, sequential
}

// ValidateStrength scores password by length, character class diversity
// and a deny-list of common passwords.
func ValidateStrength(password string) StrengthResult {
	var feedback []string
	length := len([]rune(password))

	if isCommon(password) {
		return StrengthResult{
			Strength: StrengthVeryWeak,
			Score:    0,
			Feedback: []string{"This is a commonly used password"},
		}
	}

	score := 0
	switch {
	case length >= 16:
		score += 3
	case length >= 12:
		score += 2
	case length >= 8:
		score++
	}
	if length < 8 {
		feedback = append(feedback, "Use at least 8 characters")
	} else if length < 12 {
		feedback = append(feedback, "Longer passwords are stronger; 12 or more characters is better")
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			classes++
		}
	}
	if classes >= 3 {
		score++
	}
	if classes == 4 {
		score++
	}
	if !lower || !upper {
		feedback = append(feedback, "Mix upper and lower case letters")
	}
	if !digit {
		feedback = append(feedback, "Add numbers")
	}
	if !symbol {
		feedback = append(feedback, "Add symbols")
	}

	repeated, sequential := hasRun(password)
	if repeated {
		feedback = append(feedback, "Avoid repeated characters")
	}
	if sequential {
		feedback = append(feedback, "Avoid sequences such as abc or 123")
	}
	if repeated || sequential {
		score--
	}
	if score < 0 {
		score = 0
	}

	var s Strength
	switch {
	case score <= 1:
		s = StrengthVeryWeak
	case score == 2:
		s = StrengthWeak
	case score == 3:
		s = StrengthMedium
	case score == 4:
		s = StrengthStrong
	default:
		s = StrengthVeryStrong
	}
	if feedback == nil {
		feedback = []string{}
	}
	return StrengthResult{Strength: s, Score: score, Feedback: feedback}
}

// GenerateSecurePassword returns a password of length characters drawn
// uniformly from a 90 character alphabet with crypto/rand. Candidates
// missing any character class are redrawn.
func GenerateSecurePassword(length int) (string, error) {
	if length < minGeneratedLength || length > maxGeneratedLength {
		return "", secerr.InvalidArgument("authguard.GenerateSecurePassword",
			"length must be between %d and %d", minGeneratedLength, maxGeneratedLength)
	}

	n := big.NewInt(int64(len(passwordAlphabet)))
	buf := make([]byte, length)
	for {
		for i := range buf {
			idx, err := rand.Int(rand.Reader, n)
			if err != nil {
				return "", err
			}
			buf[i] = passwordAlphabet[idx.Int64()]
		}
		s := string(buf)
		if strings.ContainsAny(s, lowerChars) && strings.ContainsAny(s, upperChars) &&
			strings.ContainsAny(s, digitChars) && strings.ContainsAny(s, symbolChars) {
			return s, nil
		}
	}
}
