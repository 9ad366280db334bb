// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - Var: Roh-Zugriff auf Umgebungsvariablen
// - BoolWithDefault/Bool: Boolean-Getter
// - Int: Integer-Getter mit Default-Wert
// - String: String-Getter
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var liest eine Umgebungsvariable, getrimmt und ohne Anfuehrungszeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Int gibt eine Funktion zurueck, die einen int mit Default-Wert liest
func Int(key string, defaultValue int) func() int {
	return func() int {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return int(n)
			}
		}
		return defaultValue
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"KVBLOCK_DEBUG":            {"KVBLOCK_DEBUG", LogLevel(), "Show additional debug information (e.g. KVBLOCK_DEBUG=1)"},
		"KVBLOCK_HOST":             {"KVBLOCK_HOST", Host(), "Address for the debug server (default 127.0.0.1:11535)"},
		"KVBLOCK_TOKENS_PER_BLOCK": {"KVBLOCK_TOKENS_PER_BLOCK", TokensPerBlock(), "Tokens stored per KV cache block (default 64)"},
		"KVBLOCK_PRIMARY_BLOCKS":   {"KVBLOCK_PRIMARY_BLOCKS", NumPrimaryBlocks(), "Number of primary pool blocks (default 1024)"},
		"KVBLOCK_SECONDARY_BLOCKS": {"KVBLOCK_SECONDARY_BLOCKS", NumSecondaryBlocks(), "Number of secondary (offload) pool blocks (default 0)"},
		"KVBLOCK_MAX_SEQUENCES":    {"KVBLOCK_MAX_SEQUENCES", MaxSequences(), "Maximum number of concurrent sequences (default 64)"},
		"KVBLOCK_MAX_BEAM_WIDTH":   {"KVBLOCK_MAX_BEAM_WIDTH", MaxBeamWidth(), "Maximum beam width per sequence (default 1)"},
		"KVBLOCK_ATTENTION_WINDOW": {"KVBLOCK_ATTENTION_WINDOW", MaxAttentionWindow(), "Attention window in tokens (default 4096)"},
		"KVBLOCK_SINK_TOKENS":      {"KVBLOCK_SINK_TOKENS", SinkTokenLen(), "Number of pinned sink tokens (default 0)"},
		"KVBLOCK_LAYERS":           {"KVBLOCK_LAYERS", NumLayers(), "Number of model layers (default 32)"},
		"KVBLOCK_KV_HEADS":         {"KVBLOCK_KV_HEADS", NumKVHeads(), "Number of KV heads per layer (default 8)"},
		"KVBLOCK_HEAD_SIZE":        {"KVBLOCK_HEAD_SIZE", SizePerHead(), "Head dimension (default 128)"},
		"KVBLOCK_ELEMENT_SIZE":     {"KVBLOCK_ELEMENT_SIZE", ElementSize(), "Byte width of one KV element (default 2 = fp16)"},
		"KVBLOCK_BLOCK_REUSE":      {"KVBLOCK_BLOCK_REUSE", EnableBlockReuse(true), "Enable prefix block reuse (default true)"},
		"KVBLOCK_ONBOARD":          {"KVBLOCK_ONBOARD", OnboardBlocks(true), "Enable offload/onboard to the secondary pool (default true)"},
		"KVBLOCK_ONE_MORE_BLOCK":   {"KVBLOCK_ONE_MORE_BLOCK", UseOneMoreBlock(), "Reserve one extra block per sequence"},
		"KVBLOCK_TRACE":            {"KVBLOCK_TRACE", TracePath(), "Path of the block lifecycle trace database (empty: no trace)"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
