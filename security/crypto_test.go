package security

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestRandomString(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{name: "authorization code length", length: 43},
		{name: "refresh token length", length: 86},
		{name: "single character", length: 1},
		{name: "zero length", length: 0, wantErr: true},
		{name: "negative length", length: -5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RandomString(tt.length)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RandomString(%d) error = %v, wantErr %v", tt.length, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != tt.length {
				t.Errorf("RandomString(%d) length = %d", tt.length, len(got))
			}
			for _, c := range got {
				if !strings.ContainsRune(tokenAlphabet, c) {
					t.Errorf("RandomString() produced character %q outside the URL-safe alphabet", c)
				}
			}
		})
	}
}

func TestRandomString_CoversAlphabet(t *testing.T) {
	// Enough samples that every alphabet character appears under a uniform
	// draw; catches sampling bugs that pin or exclude parts of the range.
	counts := make(map[rune]int)
	for i := 0; i < 100; i++ {
		s, err := RandomString(128)
		if err != nil {
			t.Fatalf("RandomString() error = %v", err)
		}
		for _, c := range s {
			counts[c]++
		}
	}
	for _, c := range tokenAlphabet {
		if counts[c] == 0 {
			t.Errorf("character %q never produced", c)
		}
	}
}

func TestRandomString_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := RandomString(43)
		if err != nil {
			t.Fatalf("RandomString() error = %v", err)
		}
		if seen[s] {
			t.Fatalf("RandomString() produced duplicate value %s", s)
		}
		seen[s] = true
	}
}

func TestSHA256Base64URL(t *testing.T) {
	input := "test-input"
	want := base64.RawURLEncoding.EncodeToString(func() []byte {
		sum := sha256.Sum256([]byte(input))
		return sum[:]
	}())

	if got := SHA256Base64URL(input); got != want {
		t.Errorf("SHA256Base64URL() = %q, want %q", got, want)
	}

	// RFC 7636 appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	wantChallenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := SHA256Base64URL(verifier); got != wantChallenge {
		t.Errorf("SHA256Base64URL() = %q, want RFC 7636 vector %q", got, wantChallenge)
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{
			name:      "S256 valid",
			verifier:  verifier,
			challenge: challenge,
			method:    PKCEMethodS256,
			want:      true,
		},
		{
			name:      "S256 wrong verifier",
			verifier:  "wrong-verifier-that-is-long-enough-to-be-valid",
			challenge: challenge,
			method:    PKCEMethodS256,
			want:      false,
		},
		{
			name:      "S256 challenge case matters",
			verifier:  verifier,
			challenge: strings.ToLower(challenge),
			method:    PKCEMethodS256,
			want:      false,
		},
		{
			name:      "plain valid",
			verifier:  "plain-text-verifier-value",
			challenge: "plain-text-verifier-value",
			method:    PKCEMethodPlain,
			want:      true,
		},
		{
			name:      "plain mismatch",
			verifier:  "plain-text-verifier-value",
			challenge: "different-value",
			method:    PKCEMethodPlain,
			want:      false,
		},
		{
			name:      "unknown method",
			verifier:  verifier,
			challenge: challenge,
			method:    "S512",
			want:      false,
		},
		{
			name:      "empty verifier",
			verifier:  "",
			challenge: challenge,
			method:    PKCEMethodS256,
			want:      false,
		},
		{
			name:      "empty challenge",
			verifier:  verifier,
			challenge: "",
			method:    PKCEMethodS256,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPKCE(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("VerifyPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidPKCEVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		want     bool
	}{
		{name: "minimum length", verifier: strings.Repeat("a", 43), want: true},
		{name: "maximum length", verifier: strings.Repeat("a", 128), want: true},
		{name: "too short", verifier: strings.Repeat("a", 42), want: false},
		{name: "too long", verifier: strings.Repeat("a", 129), want: false},
		{name: "unreserved punctuation", verifier: strings.Repeat("aA1-._~", 7), want: true},
		{name: "invalid character", verifier: strings.Repeat("a", 42) + "+", want: false},
		{name: "empty", verifier: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidPKCEVerifier(tt.verifier); got != tt.want {
				t.Errorf("ValidPKCEVerifier(%q) = %v, want %v", tt.verifier, got, tt.want)
			}
		})
	}
}

func TestHashPassword_VerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("HashPassword() returned the plaintext")
	}

	if err := VerifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Errorf("VerifyPassword() with correct password: %v", err)
	}
	if err := VerifyPassword(hash, "wrong password"); err == nil {
		t.Error("VerifyPassword() accepted the wrong password")
	}
	if _, err := HashPassword(""); err == nil {
		t.Error("HashPassword() accepted an empty password")
	}
	if err := VerifyPassword("", "anything"); err == nil {
		t.Error("VerifyPassword() accepted an empty hash")
	}
}
