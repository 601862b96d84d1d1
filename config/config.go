package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Environment schema:
//
//	PW_MCP_PROXY_<KEY>=<v>              global stratum
//	PW_MCP_PROXY__<POOL>_<KEY>=<v>      pool stratum
//	PW_MCP_PROXY__<POOL>__<ID>_<KEY>=<v> instance stratum
//
// Precedence is Instance > Pool > Global. Some keys are stratum-restricted;
// violations are fatal at load time.
const (
	EnvPrefix = "PW_MCP_PROXY_"

	DefaultBrowser           = "chromium"
	DefaultCaps              = "vision,pdf"
	DefaultViewportSize      = "1920x1080"
	DefaultTimeoutAction     = 15000
	DefaultTimeoutNavigation = 5000
	DefaultImageResponses    = "allow"

	DefaultCallTimeout    = 90 * time.Second
	DefaultStartupTimeout = 60 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultHealthInterval = 20 * time.Second
	DefaultHealthFailures = 3
	DefaultShutdownGrace  = 5 * time.Second

	// Stealth macro defaults. Explicit assignments at any stratum win.
	StealthInitScript = "/usr/local/share/pwmcp/stealth.js"
	StealthUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

var (
	ErrNoPools              = errors.New("no pools defined; set PW_MCP_PROXY__<POOL>_INSTANCES=N for at least one pool")
	ErrNoDefaultPool        = errors.New("no default pool defined; set IS_DEFAULT=true for exactly one pool")
	ErrMultipleDefaultPools = errors.New("multiple default pools defined; only one pool can have IS_DEFAULT=true")
	ErrInstancesAtGlobal    = errors.New("PW_MCP_PROXY_INSTANCES is not allowed; INSTANCES is a pool-level key")
	ErrMissingInstances     = errors.New("missing required INSTANCES configuration")
	ErrBadInstances         = errors.New("INSTANCES must be a positive integer")
	ErrInstanceOutOfRange   = errors.New("instance override references an id outside [0, instances)")
	ErrAliasNumeric         = errors.New("alias matches the numeric pattern reserved for instance ids")
	ErrDuplicateAlias       = errors.New("duplicate alias within pool")
	ErrAliasStratum         = errors.New("ALIAS is an instance-level key")
	ErrBadValue             = errors.New("invalid value for configuration key")
)

// Browser is the effective playwright-mcp subprocess configuration for one
// instance. Pointer fields distinguish "explicitly configured" from "left to
// default"; argv derivation only emits flags for set keys.
type Browser struct {
	Browser           *string
	Headless          *bool
	NoSandbox         *bool
	Device            *string
	ViewportSize      *string
	Isolated          *bool
	UserDataDir       *string
	StorageState      *string
	AllowedOrigins    *string
	BlockedOrigins    *string
	ProxyServer       *string
	Caps              *string
	SaveSession       *bool
	SaveTrace         *bool
	SaveVideo         *string
	OutputDir         *string
	TimeoutAction     *int
	TimeoutNavigation *int
	ImageResponses    *string
	UserAgent         *string
	InitScript        *string
	IgnoreHTTPSErrors *bool
	Extension         *bool
	ExtensionToken    *string
	EnableStealth     *bool
}

// Instance is the frozen configuration of one child within a pool.
type Instance struct {
	ID      int
	Alias   string
	Browser Browser
}

// Pool is the frozen configuration of one named pool.
type Pool struct {
	Name         string
	Description  string
	IsDefault    bool
	Instances    int
	LeaseTimeout time.Duration // 0 means leases block unboundedly
	Children     []Instance
}

// Blob holds the blob store settings (BLOB_* environment keys).
type Blob struct {
	StorageRoot     string
	MaxSizeBytes    int64
	TTL             time.Duration
	ThresholdBytes  int
	CleanupInterval time.Duration
}

// Proxy is the complete validated configuration tree. Immutable after Load.
type Proxy struct {
	Pools           []Pool
	DefaultPoolName string

	CallTimeout    time.Duration
	StartupTimeout time.Duration
	ProbeTimeout   time.Duration
	HealthInterval time.Duration
	HealthFailures int
	ShutdownGrace  time.Duration

	Blob Blob
}

// Pool name must be uppercase alphanumeric plus underscore; the non-greedy
// group mirrors the original discovery behavior for names with underscores.
var (
	poolVarPattern     = regexp.MustCompile(`^PW_MCP_PROXY__([A-Z0-9_]+?)_([A-Z0-9_]+)$`)
	instanceVarPattern = regexp.MustCompile(`^PW_MCP_PROXY__([A-Z0-9_]+?)__(\d+)_([A-Z0-9_]+)$`)
	numericAlias       = regexp.MustCompile(`^\d+$`)
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
)

// browserKeys drives stratum parsing; one row per configurable child flag.
type browserKey struct {
	suffix string
	kind   fieldKind
	set    func(c *Browser, s *string, b *bool, i *int)
}

var browserKeys = []browserKey{
	{"BROWSER", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.Browser = s }},
	{"HEADLESS", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.Headless = b }},
	{"NO_SANDBOX", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.NoSandbox = b }},
	{"DEVICE", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.Device = s }},
	{"VIEWPORT_SIZE", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.ViewportSize = s }},
	{"ISOLATED", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.Isolated = b }},
	{"USER_DATA_DIR", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.UserDataDir = s }},
	{"STORAGE_STATE", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.StorageState = s }},
	{"ALLOWED_ORIGINS", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.AllowedOrigins = s }},
	{"BLOCKED_ORIGINS", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.BlockedOrigins = s }},
	{"PROXY_SERVER", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.ProxyServer = s }},
	{"CAPS", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.Caps = s }},
	{"SAVE_SESSION", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.SaveSession = b }},
	{"SAVE_TRACE", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.SaveTrace = b }},
	{"SAVE_VIDEO", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.SaveVideo = s }},
	{"OUTPUT_DIR", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.OutputDir = s }},
	{"TIMEOUT_ACTION", kindInt, func(c *Browser, _ *string, _ *bool, i *int) { c.TimeoutAction = i }},
	{"TIMEOUT_NAVIGATION", kindInt, func(c *Browser, _ *string, _ *bool, i *int) { c.TimeoutNavigation = i }},
	{"IMAGE_RESPONSES", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.ImageResponses = s }},
	{"USER_AGENT", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.UserAgent = s }},
	{"INIT_SCRIPT", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.InitScript = s }},
	{"IGNORE_HTTPS_ERRORS", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.IgnoreHTTPSErrors = b }},
	{"EXTENSION", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.Extension = b }},
	{"EXTENSION_TOKEN", kindString, func(c *Browser, s *string, _ *bool, _ *int) { c.ExtensionToken = s }},
	{"ENABLE_STEALTH", kindBool, func(c *Browser, _ *string, b *bool, _ *int) { c.EnableStealth = b }},
}

func applyBrowserOverrides(c *Browser, prefix string) error {
	for _, k := range browserKeys {
		raw, ok := os.LookupEnv(prefix + k.suffix)
		if !ok {
			continue
		}
		switch k.kind {
		case kindString:
			v := raw
			k.set(c, &v, nil, nil)
		case kindBool:
			v := parseBool(raw)
			k.set(c, nil, &v, nil)
		case kindInt:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s%s=%q: %w", prefix, k.suffix, raw, ErrBadValue)
			}
			k.set(c, nil, nil, &n)
		}
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func intEnv(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrBadValue)
	}
	return n, nil
}

func msEnv(key string, def time.Duration) (time.Duration, error) {
	n, err := intEnv(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

// merged returns a copy of base with c's set fields layered on top.
func merged(base, over Browser) Browser {
	out := base
	if over.Browser != nil {
		out.Browser = over.Browser
	}
	if over.Headless != nil {
		out.Headless = over.Headless
	}
	if over.NoSandbox != nil {
		out.NoSandbox = over.NoSandbox
	}
	if over.Device != nil {
		out.Device = over.Device
	}
	if over.ViewportSize != nil {
		out.ViewportSize = over.ViewportSize
	}
	if over.Isolated != nil {
		out.Isolated = over.Isolated
	}
	if over.UserDataDir != nil {
		out.UserDataDir = over.UserDataDir
	}
	if over.StorageState != nil {
		out.StorageState = over.StorageState
	}
	if over.AllowedOrigins != nil {
		out.AllowedOrigins = over.AllowedOrigins
	}
	if over.BlockedOrigins != nil {
		out.BlockedOrigins = over.BlockedOrigins
	}
	if over.ProxyServer != nil {
		out.ProxyServer = over.ProxyServer
	}
	if over.Caps != nil {
		out.Caps = over.Caps
	}
	if over.SaveSession != nil {
		out.SaveSession = over.SaveSession
	}
	if over.SaveTrace != nil {
		out.SaveTrace = over.SaveTrace
	}
	if over.SaveVideo != nil {
		out.SaveVideo = over.SaveVideo
	}
	if over.OutputDir != nil {
		out.OutputDir = over.OutputDir
	}
	if over.TimeoutAction != nil {
		out.TimeoutAction = over.TimeoutAction
	}
	if over.TimeoutNavigation != nil {
		out.TimeoutNavigation = over.TimeoutNavigation
	}
	if over.ImageResponses != nil {
		out.ImageResponses = over.ImageResponses
	}
	if over.UserAgent != nil {
		out.UserAgent = over.UserAgent
	}
	if over.InitScript != nil {
		out.InitScript = over.InitScript
	}
	if over.IgnoreHTTPSErrors != nil {
		out.IgnoreHTTPSErrors = over.IgnoreHTTPSErrors
	}
	if over.Extension != nil {
		out.Extension = over.Extension
	}
	if over.ExtensionToken != nil {
		out.ExtensionToken = over.ExtensionToken
	}
	if over.EnableStealth != nil {
		out.EnableStealth = over.EnableStealth
	}
	return out
}

func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }
func intPtr(v int) *int       { return &v }

// applyStealthMacro fills the stealth defaults for keys no stratum assigned
// explicitly, then baseline defaults for whatever is still unset.
func applyDefaults(c *Browser) {
	if c.EnableStealth != nil && *c.EnableStealth {
		if c.InitScript == nil {
			c.InitScript = strPtr(StealthInitScript)
		}
		if c.Headless == nil {
			c.Headless = boolPtr(false)
		}
		if c.UserAgent == nil {
			c.UserAgent = strPtr(StealthUserAgent)
		}
	}
	if c.Browser == nil {
		c.Browser = strPtr(DefaultBrowser)
	}
	if c.Headless == nil {
		c.Headless = boolPtr(false)
	}
	if c.Caps == nil {
		c.Caps = strPtr(DefaultCaps)
	}
	if c.TimeoutAction == nil {
		c.TimeoutAction = intPtr(DefaultTimeoutAction)
	}
	if c.TimeoutNavigation == nil {
		c.TimeoutNavigation = intPtr(DefaultTimeoutNavigation)
	}
	if c.ImageResponses == nil {
		c.ImageResponses = strPtr(DefaultImageResponses)
	}
	if c.ViewportSize == nil {
		c.ViewportSize = strPtr(DefaultViewportSize)
	}
}

// discoverPools scans the environment for pool- and instance-stratum keys
// and returns the sorted set of pool names mentioned by either.
func discoverPools() []string {
	seen := map[string]bool{}
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if m := instanceVarPattern.FindStringSubmatch(key); m != nil {
			seen[m[1]] = true
			continue
		}
		if m := poolVarPattern.FindStringSubmatch(key); m != nil {
			seen[m[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// instanceIDsFor returns every instance id the environment mentions for the
// given pool, whether or not it is in range. Out-of-range ids are a fatal
// validation error.
func instanceIDsFor(pool string) []int {
	prefix := fmt.Sprintf("PW_MCP_PROXY__%s__", pool)
	ids := map[int]bool{}
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := instanceVarPattern.FindStringSubmatch(key)
		if m == nil || m[1] != pool {
			continue
		}
		if id, err := strconv.Atoi(m[2]); err == nil {
			ids[id] = true
		}
	}
	out := make([]int, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func parsePool(name string, global Browser) (Pool, error) {
	prefix := fmt.Sprintf("PW_MCP_PROXY__%s_", name)

	base := Browser{}
	if err := applyBrowserOverrides(&base, prefix); err != nil {
		return Pool{}, err
	}
	base = merged(global, base)

	if _, ok := os.LookupEnv(prefix + "ALIAS"); ok {
		return Pool{}, fmt.Errorf("pool %q: %w", name, ErrAliasStratum)
	}

	instances, err := intEnv(prefix+"INSTANCES", 0)
	if err != nil {
		return Pool{}, err
	}
	if _, ok := os.LookupEnv(prefix + "INSTANCES"); !ok {
		return Pool{}, fmt.Errorf("pool %q: %w", name, ErrMissingInstances)
	}
	if instances < 1 {
		return Pool{}, fmt.Errorf("pool %q: %w", name, ErrBadInstances)
	}

	for _, id := range instanceIDsFor(name) {
		if id >= instances {
			return Pool{}, fmt.Errorf("pool %q instance %d: %w", name, id, ErrInstanceOutOfRange)
		}
	}

	leaseTimeout, err := msEnv(prefix+"LEASE_TIMEOUT_MS", 0)
	if err != nil {
		return Pool{}, err
	}

	p := Pool{
		Name:         name,
		Description:  os.Getenv(prefix + "DESCRIPTION"),
		IsDefault:    parseBool(os.Getenv(prefix + "IS_DEFAULT")),
		Instances:    instances,
		LeaseTimeout: leaseTimeout,
	}

	seenAliases := map[string]bool{}
	for id := 0; id < instances; id++ {
		iprefix := fmt.Sprintf("PW_MCP_PROXY__%s__%d_", name, id)
		over := Browser{}
		if err := applyBrowserOverrides(&over, iprefix); err != nil {
			return Pool{}, err
		}
		eff := merged(base, over)
		applyDefaults(&eff)

		alias := os.Getenv(iprefix + "ALIAS")
		if alias != "" {
			if numericAlias.MatchString(alias) {
				return Pool{}, fmt.Errorf("pool %q instance %d alias %q: %w", name, id, alias, ErrAliasNumeric)
			}
			if seenAliases[alias] {
				return Pool{}, fmt.Errorf("pool %q alias %q: %w", name, alias, ErrDuplicateAlias)
			}
			seenAliases[alias] = true
		}

		p.Children = append(p.Children, Instance{ID: id, Alias: alias, Browser: eff})
	}

	return p, nil
}

func loadBlob() (Blob, error) {
	root := os.Getenv("BLOB_STORAGE_ROOT")
	if root == "" {
		root = "/mnt/blob-storage"
	}
	maxMB, err := intEnv("BLOB_MAX_SIZE_MB", 500)
	if err != nil {
		return Blob{}, err
	}
	ttlHours, err := intEnv("BLOB_TTL_HOURS", 24)
	if err != nil {
		return Blob{}, err
	}
	thresholdKB, err := intEnv("BLOB_SIZE_THRESHOLD_KB", 50)
	if err != nil {
		return Blob{}, err
	}
	cleanupMin, err := intEnv("BLOB_CLEANUP_INTERVAL_MINUTES", 60)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		StorageRoot:     root,
		MaxSizeBytes:    int64(maxMB) * 1024 * 1024,
		TTL:             time.Duration(ttlHours) * time.Hour,
		ThresholdBytes:  thresholdKB * 1024,
		CleanupInterval: time.Duration(cleanupMin) * time.Minute,
	}, nil
}

// Load reads and validates the whole configuration tree from the process
// environment. Any validation failure is fatal; the proxy refuses to start.
func Load() (*Proxy, error) {
	if _, ok := os.LookupEnv(EnvPrefix + "INSTANCES"); ok {
		return nil, ErrInstancesAtGlobal
	}

	global := Browser{}
	if err := applyBrowserOverrides(&global, EnvPrefix); err != nil {
		return nil, err
	}

	poolNames := discoverPools()
	if len(poolNames) == 0 {
		return nil, ErrNoPools
	}

	cfg := &Proxy{}
	defaults := 0
	for _, name := range poolNames {
		p, err := parsePool(name, global)
		if err != nil {
			return nil, err
		}
		if p.IsDefault {
			defaults++
			cfg.DefaultPoolName = p.Name
		}
		cfg.Pools = append(cfg.Pools, p)
	}
	if defaults == 0 {
		return nil, ErrNoDefaultPool
	}
	if defaults > 1 {
		return nil, ErrMultipleDefaultPools
	}

	var err error
	if cfg.CallTimeout, err = msEnv(EnvPrefix+"CALL_TIMEOUT_MS", DefaultCallTimeout); err != nil {
		return nil, err
	}
	if cfg.StartupTimeout, err = msEnv(EnvPrefix+"STARTUP_TIMEOUT_MS", DefaultStartupTimeout); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = msEnv(EnvPrefix+"PROBE_TIMEOUT_MS", DefaultProbeTimeout); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = msEnv(EnvPrefix+"HEALTH_CHECK_INTERVAL_MS", DefaultHealthInterval); err != nil {
		return nil, err
	}
	if cfg.HealthFailures, err = intEnv(EnvPrefix+"HEALTH_CHECK_FAILURES", DefaultHealthFailures); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = msEnv(EnvPrefix+"SHUTDOWN_GRACE_MS", DefaultShutdownGrace); err != nil {
		return nil, err
	}
	if cfg.Blob, err = loadBlob(); err != nil {
		return nil, err
	}

	return cfg, nil
}
