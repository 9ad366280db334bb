// config.go - Haupt-Konfigurationsfunktionen fuer kvblock
//
// Dieses Modul enthaelt:
// - Host: Gibt die Debug-Server-Adresse zurueck (KVBLOCK_HOST)
// - TokensPerBlock: Tokens pro Block (KVBLOCK_TOKENS_PER_BLOCK)
// - NumPrimaryBlocks/NumSecondaryBlocks: Poolgroessen
// - MaxSequences/MaxBeamWidth: Sequenz-Grenzen
// - MaxAttentionWindow/SinkTokenLen: Fenster-Policy
// - EnableBlockReuse/OnboardBlocks/UseOneMoreBlock: Feature-Flags
// - LogLevel: Gibt Log-Level zurueck (KVBLOCK_DEBUG)
// - TracePath: Pfad der Trace-Datenbank (KVBLOCK_TRACE)
// - FromEnv: Baut eine kvcache.Config aus der Umgebung
//
// Weitere Funktionen sind ausgelagert:
// - config_utils.go: Getter-Fabriken, EnvVar, AsMap/Values
//
// Nur cmd/ und server/ konsumieren dieses Paket; die Bibliothek selbst
// liest niemals die Umgebung.
package config

import (
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/kvblock/kvblock/kvcache"
)

// Host gibt die Adresse des Debug-Servers zurueck
// Konfigurierbar via KVBLOCK_HOST
// Default: 127.0.0.1:11535
func Host() string {
	defaultPort := "11535"

	s := strings.TrimSpace(Var("KVBLOCK_HOST"))
	if s == "" {
		return net.JoinHostPort("127.0.0.1", defaultPort)
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return net.JoinHostPort(s, defaultPort)
	}
	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// TokensPerBlock gibt die Tokens pro Block zurueck (KVBLOCK_TOKENS_PER_BLOCK, Default 64)
var TokensPerBlock = Int("KVBLOCK_TOKENS_PER_BLOCK", 64)

// NumPrimaryBlocks gibt die Groesse des Primaer-Pools zurueck (KVBLOCK_PRIMARY_BLOCKS, Default 1024)
var NumPrimaryBlocks = Int("KVBLOCK_PRIMARY_BLOCKS", 1024)

// NumSecondaryBlocks gibt die Groesse des Sekundaer-Pools zurueck (KVBLOCK_SECONDARY_BLOCKS, Default 0)
var NumSecondaryBlocks = Int("KVBLOCK_SECONDARY_BLOCKS", 0)

// MaxSequences gibt die maximale Anzahl gleichzeitiger Sequenzen zurueck (KVBLOCK_MAX_SEQUENCES, Default 64)
var MaxSequences = Int("KVBLOCK_MAX_SEQUENCES", 64)

// MaxBeamWidth gibt die maximale Beam-Breite zurueck (KVBLOCK_MAX_BEAM_WIDTH, Default 1)
var MaxBeamWidth = Int("KVBLOCK_MAX_BEAM_WIDTH", 1)

// MaxAttentionWindow gibt das Attention-Fenster in Tokens zurueck (KVBLOCK_ATTENTION_WINDOW, Default 4096)
var MaxAttentionWindow = Int("KVBLOCK_ATTENTION_WINDOW", 4096)

// SinkTokenLen gibt die Anzahl der Sink-Tokens zurueck (KVBLOCK_SINK_TOKENS, Default 0)
var SinkTokenLen = Int("KVBLOCK_SINK_TOKENS", 0)

// NumLayers gibt die Layer-Anzahl des Modells zurueck (KVBLOCK_LAYERS, Default 32)
var NumLayers = Int("KVBLOCK_LAYERS", 32)

// NumKVHeads gibt die KV-Head-Anzahl zurueck (KVBLOCK_KV_HEADS, Default 8)
var NumKVHeads = Int("KVBLOCK_KV_HEADS", 8)

// SizePerHead gibt die Head-Dimension zurueck (KVBLOCK_HEAD_SIZE, Default 128)
var SizePerHead = Int("KVBLOCK_HEAD_SIZE", 128)

// ElementSize gibt die Byte-Breite eines KV-Elements zurueck (KVBLOCK_ELEMENT_SIZE, Default 2 = fp16)
var ElementSize = Int("KVBLOCK_ELEMENT_SIZE", 2)

// EnableBlockReuse schaltet den Wiederverwendungs-Trie (KVBLOCK_BLOCK_REUSE, Default true)
var EnableBlockReuse = BoolWithDefault("KVBLOCK_BLOCK_REUSE")

// OnboardBlocks schaltet Offload/Onboard in den Sekundaer-Pool (KVBLOCK_ONBOARD, Default true)
var OnboardBlocks = BoolWithDefault("KVBLOCK_ONBOARD")

// UseOneMoreBlock reserviert einen Zusatzblock pro Sequenz (KVBLOCK_ONE_MORE_BLOCK, Default false)
var UseOneMoreBlock = Bool("KVBLOCK_ONE_MORE_BLOCK")

// TracePath gibt den Pfad der Trace-Datenbank zurueck (KVBLOCK_TRACE)
// Leer bedeutet: kein Trace.
var TracePath = String("KVBLOCK_TRACE")

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via KVBLOCK_DEBUG (1 = Debug)
func LogLevel() slog.Level {
	if Bool("KVBLOCK_DEBUG")() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// FromEnv baut eine vollstaendige kvcache.Config aus der Umgebung
func FromEnv() kvcache.Config {
	cfg := kvcache.Config{
		MaxSequences:       MaxSequences(),
		MaxBeamWidth:       MaxBeamWidth(),
		MaxAttentionWindow: MaxAttentionWindow(),
		SinkTokenLen:       SinkTokenLen(),
		UseOneMoreBlock:    UseOneMoreBlock(),
		CacheType:          kvcache.CacheTypeSelf,
	}
	cfg.NLayers = NumLayers()
	cfg.NKVHeads = NumKVHeads()
	cfg.SizePerHead = SizePerHead()
	cfg.TokensPerBlock = TokensPerBlock()
	cfg.NPrimaryBlocks = NumPrimaryBlocks()
	cfg.NSecondaryBlocks = NumSecondaryBlocks()
	cfg.EnableBlockReuse = EnableBlockReuse(true)
	cfg.OnboardBlocks = OnboardBlocks(true)
	return cfg
}
