// Package fingerprint derives the stable identity a linked companion device
// presents to WhatsApp.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Companion is the deterministic identity of one account's linked device.
// The same seed and account always produce the same companion, so a restored
// session keeps the name it was linked under.
type Companion struct {
	ID           string `json:"id"`           // 16 hex chars
	ComputerName string `json:"computerName"` // DESKTOP-XXXXXXX
	Browser      string `json:"browser"`
	OS           string `json:"os"`
	Timezone     string `json:"timezone"`
	Language     string `json:"language"`
	Country      string `json:"country"`
}

type locale struct {
	Timezone string
	Language string
}

var locales = map[string]locale{
	"US": {Timezone: "America/New_York", Language: "en-US"},
	"IL": {Timezone: "Asia/Jerusalem", Language: "he-IL"},
	"GB": {Timezone: "Europe/London", Language: "en-GB"},
	"DE": {Timezone: "Europe/Berlin", Language: "de-DE"},
	"FR": {Timezone: "Europe/Paris", Language: "fr-FR"},
	"CA": {Timezone: "America/Toronto", Language: "en-CA"},
	"AU": {Timezone: "Australia/Sydney", Language: "en-AU"},
	"BR": {Timezone: "America/Sao_Paulo", Language: "pt-BR"},
	"IN": {Timezone: "Asia/Kolkata", Language: "en-IN"},
	"JP": {Timezone: "Asia/Tokyo", Language: "ja-JP"},
}

var browsers = []string{"Chrome", "Edge", "Firefox"}

// Generate derives the companion identity for accountID from seed.
func Generate(seed, accountID, country string) Companion {
	if seed == "" {
		seed = "default-seed"
	}
	country = strings.ToUpper(strings.TrimSpace(country))
	loc, ok := locales[country]
	if !ok {
		country = "US"
		loc = locales[country]
	}

	sum := sha256.Sum256([]byte(seed + "/" + accountID))
	hashHex := hex.EncodeToString(sum[:])

	return Companion{
		ID:           hashHex[:16],
		ComputerName: "DESKTOP-" + strings.ToUpper(hashHex[16:23]),
		Browser:      browsers[int(sum[31])%len(browsers)],
		OS:           "Windows",
		Timezone:     loc.Timezone,
		Language:     loc.Language,
		Country:      country,
	}
}

// DisplayName is the "Browser (OS)" label shown on the phone while pairing.
func (c Companion) DisplayName() string {
	return fmt.Sprintf("%s (%s)", c.Browser, c.OS)
}
