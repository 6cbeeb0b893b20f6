// Package config parses the cryptocomms configuration file: one "self"
// block describing this host, followed by one block per peer. Each
// block is a sequence of "option: value" lines; a block ends at the next
// "name:" line or end of file.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cryptocomms/cryptocomms/cryptocomms/crypto"
	"github.com/cryptocomms/cryptocomms/cryptocomms/protocol"
)

const selfName = "self"

// ConfigError is the type of every error this package returns; callers
// that only care whether configuration was rejected can check for it with
// errors.As.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func errLine(lineNum int, format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf("config: [line %d] %s", lineNum, fmt.Sprintf(format, args...))}
}

func errGeneral(format string, args ...any) error {
	return &ConfigError{msg: "config: " + fmt.Sprintf(format, args...)}
}

// Channel is one (ChannelId, local filesystem base path) pair for a peer.
// Compress enables per-channel LZ4 compression of plaintext before
// encrypt and after decrypt (§7 DOMAIN STACK); it is off unless the
// channel line ends with the literal word "compress".
type Channel struct {
	ID       protocol.ChannelID
	Path     string
	Compress bool
}

// SelfConfig describes this host's own identity and listening socket.
type SelfConfig struct {
	ID               protocol.HostID
	IPAddr           string
	Port             int
	MaxPacketSize    int // meaningless unless HasMaxPacketSize
	HasMaxPacketSize bool
}

// PeerConfig describes one remote peer this host will tunnel to.
type PeerConfig struct {
	Name             string
	ID               protocol.HostID
	Key              crypto.SecretKey
	IPAddr           string
	Port             int
	MaxPacketSize    int
	HasMaxPacketSize bool
	Channels         []Channel
}

// Config is the fully parsed, validated configuration file.
type Config struct {
	Self  SelfConfig
	Peers []PeerConfig
}

const (
	allowedNameChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"
	maxMaxPacketSize = 65507
)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	blocks, err := splitIntoBlocks(lines)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	seenNames := map[string]bool{}
	sawSelf := false

	for _, blk := range blocks {
		name := blk.name
		if seenNames[name] {
			return nil, errGeneral("multiple configurations for %q", name)
		}
		seenNames[name] = true

		if name == selfName {
			self, err := buildSelf(blk.fields)
			if err != nil {
				return nil, err
			}
			cfg.Self = self
			sawSelf = true
			continue
		}

		peer, err := buildPeer(name, blk.fields)
		if err != nil {
			return nil, err
		}
		cfg.Peers = append(cfg.Peers, peer)
	}

	if !sawSelf {
		return nil, errGeneral("missing configuration for %q", selfName)
	}
	return cfg, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errGeneral("could not open config file: %s", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errGeneral("error reading file: %s", path)
	}
	return lines, nil
}

type block struct {
	name   string
	fields map[string][]string
}

// splitIntoBlocks walks every line of the file once, grouping lines into
// configuration blocks. A block starts at a "name:" line and continues
// until the next "name:" line or end of file. Blank lines and lines
// whose first non-whitespace character is '#' are ignored. Every option
// except "channel" may occur at most once within a block; the first
// option of any block must be "name".
func splitIntoBlocks(lines []string) ([]block, error) {
	var blocks []block
	var cur *block
	seenOpts := map[string]bool{}

	finish := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
		}
	}

	for i, line := range lines {
		lineNum := i + 1
		if isComment(line) {
			continue
		}

		optName, optValue, err := splitLine(line, lineNum)
		if err != nil {
			return nil, err
		}

		if optName == "name" {
			finish()
			cur = &block{name: "", fields: map[string][]string{}}
			seenOpts = map[string]bool{}
			name, err := parseName(optValue)
			if err != nil {
				return nil, errLine(lineNum, "error parsing name, %v", err)
			}
			cur.name = name
			seenOpts["name"] = true
			continue
		}

		if cur == nil {
			return nil, errLine(lineNum, "expected option \"name\"")
		}
		if seenOpts[optName] && optName != "channel" {
			return nil, errLine(lineNum, "configuration option %q repeated", optName)
		}
		seenOpts[optName] = true
		cur.fields[optName] = append(cur.fields[optName], optValue)
	}
	finish()

	return blocks, nil
}

func isComment(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "#")
}

func splitLine(line string, lineNum int) (string, string, error) {
	colon := strings.IndexByte(line, ':')
	if colon == -1 {
		return "", "", errLine(lineNum, "no ':' in line")
	}
	name := strings.TrimSpace(line[:colon])
	value := strings.TrimSpace(line[colon+1:])
	if name == "" {
		return "", "", errLine(lineNum, "empty option field")
	}
	return name, value, nil
}

func checkChars(s, allowed string) bool {
	for _, c := range s {
		if !strings.ContainsRune(allowed, c) {
			return false
		}
	}
	return true
}

func parseHexBytes(s string, n int) ([]byte, error) {
	if len(s) != 2*n {
		return nil, fmt.Errorf("string is the wrong length")
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid characters present")
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseName(s string) (string, error) {
	if !checkChars(s, allowedNameChars) {
		return "", fmt.Errorf("invalid characters in name: %s", s)
	}
	return s, nil
}

func parseHostID(s string) (protocol.HostID, error) {
	var id protocol.HostID
	b, err := parseHexBytes(s, protocol.HostIDSize)
	if err != nil {
		return id, fmt.Errorf("error parsing id, %w", err)
	}
	copy(id[:], b)
	return id, nil
}

func parseChannel(s string) (Channel, error) {
	// the path may itself contain internal spaces, so split only on the
	// first run of whitespace rather than using strings.Fields.
	firstSpace := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if firstSpace == -1 {
		return Channel{}, fmt.Errorf("no whitespace in channel specifier")
	}
	idPart := s[:firstSpace]
	rest := strings.TrimLeft(s[firstSpace:], " \t")
	if rest == "" {
		return Channel{}, fmt.Errorf("no path in channel specifier")
	}

	compress := false
	if trimmed := strings.TrimRight(rest, " \t"); strings.HasSuffix(trimmed, " compress") || strings.HasSuffix(trimmed, "\tcompress") {
		compress = true
		rest = strings.TrimRight(trimmed[:len(trimmed)-len(" compress")], " \t")
		if rest == "" {
			return Channel{}, fmt.Errorf("no path in channel specifier")
		}
	}

	idBytes, err := parseHexBytes(idPart, protocol.ChannelIDSize)
	if err != nil {
		return Channel{}, fmt.Errorf("error parsing channel id, %w", err)
	}
	var chID protocol.ChannelID
	copy(chID[:], idBytes)
	return Channel{ID: chID, Path: rest, Compress: compress}, nil
}

func parseIP(s string) (string, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid ip address: %s", s)
	}
	return s, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port number: %s", s)
	}
	return n, nil
}

func parseMaxSize(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxMaxPacketSize {
		return 0, fmt.Errorf("invalid max_size: %s", s)
	}
	return n, nil
}

func buildSelf(fields map[string][]string) (SelfConfig, error) {
	var self SelfConfig
	if v, ok := singular(fields, "id"); ok {
		id, err := parseHostID(v)
		if err != nil {
			return self, errGeneral("%v", err)
		}
		self.ID = id
	} else {
		return self, errGeneral("missing options for %q\n   id", selfName)
	}
	if v, ok := singular(fields, "ip"); ok {
		ip, err := parseIP(v)
		if err != nil {
			return self, errGeneral("%v", err)
		}
		self.IPAddr = ip
	} else {
		return self, errGeneral("missing options for %q\n   ip", selfName)
	}
	if v, ok := singular(fields, "port"); ok {
		p, err := parsePort(v)
		if err != nil {
			return self, errGeneral("%v", err)
		}
		self.Port = p
	} else {
		return self, errGeneral("missing options for %q\n   port", selfName)
	}
	if v, ok := singular(fields, "max_size"); ok {
		m, err := parseMaxSize(v)
		if err != nil {
			return self, errGeneral("%v", err)
		}
		self.MaxPacketSize = m
		self.HasMaxPacketSize = true
	}
	if _, ok := fields["key"]; ok {
		return self, errGeneral("%q not allowed for %q", "key", selfName)
	}
	if _, ok := fields["channel"]; ok {
		return self, errGeneral("%q not allowed for %q", "channel", selfName)
	}
	return self, nil
}

func buildPeer(name string, fields map[string][]string) (PeerConfig, error) {
	peer := PeerConfig{Name: name}

	if v, ok := singular(fields, "id"); ok {
		id, err := parseHostID(v)
		if err != nil {
			return peer, errGeneral("%v", err)
		}
		peer.ID = id
	} else {
		return peer, errGeneral("missing options for %q\n   id", name)
	}

	if v, ok := singular(fields, "key"); ok {
		key, err := crypto.FromHex(v)
		if err != nil {
			return peer, errGeneral("invalid key for %q: %v", name, err)
		}
		peer.Key = key
	} else {
		return peer, errGeneral("missing options for %q\n   key", name)
	}

	if v, ok := singular(fields, "ip"); ok {
		ip, err := parseIP(v)
		if err != nil {
			return peer, errGeneral("%v", err)
		}
		peer.IPAddr = ip
	} else {
		return peer, errGeneral("missing options for %q\n   ip", name)
	}

	if v, ok := singular(fields, "port"); ok {
		p, err := parsePort(v)
		if err != nil {
			return peer, errGeneral("%v", err)
		}
		peer.Port = p
	} else {
		return peer, errGeneral("missing options for %q\n   port", name)
	}

	if v, ok := singular(fields, "max_size"); ok {
		m, err := parseMaxSize(v)
		if err != nil {
			return peer, errGeneral("%v", err)
		}
		peer.MaxPacketSize = m
		peer.HasMaxPacketSize = true
	}

	seenIDs := map[protocol.ChannelID]bool{}
	seenPaths := map[string]bool{}
	for _, raw := range fields["channel"] {
		ch, err := parseChannel(raw)
		if err != nil {
			return peer, errGeneral("error parsing channel for %q: %v", name, err)
		}
		if seenIDs[ch.ID] {
			return peer, errGeneral("duplicated channel id for %q", name)
		}
		if seenPaths[ch.Path] {
			return peer, errGeneral("duplicated channel path for %q", name)
		}
		seenIDs[ch.ID] = true
		seenPaths[ch.Path] = true
		peer.Channels = append(peer.Channels, ch)
	}

	return peer, nil
}

func singular(fields map[string][]string, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}
