package config

import "strconv"

// Args renders the playwright-mcp command line for this configuration.
// Only explicitly-set or defaulted fields produce flags; boolean flags are
// emitted bare, valued flags as --flag value pairs.
func (b Browser) Args() []string {
	var args []string

	str := func(flag string, v *string) {
		if v != nil && *v != "" {
			args = append(args, flag, *v)
		}
	}
	boolean := func(flag string, v *bool) {
		if v != nil && *v {
			args = append(args, flag)
		}
	}

	str("--browser", b.Browser)
	boolean("--headless", b.Headless)
	boolean("--no-sandbox", b.NoSandbox)
	str("--device", b.Device)
	str("--viewport-size", b.ViewportSize)
	boolean("--isolated", b.Isolated)
	str("--user-data-dir", b.UserDataDir)
	str("--storage-state", b.StorageState)
	str("--allowed-origins", b.AllowedOrigins)
	str("--blocked-origins", b.BlockedOrigins)
	str("--proxy-server", b.ProxyServer)
	str("--caps", b.Caps)
	boolean("--save-session", b.SaveSession)
	boolean("--save-trace", b.SaveTrace)
	str("--save-video", b.SaveVideo)
	str("--output-dir", b.OutputDir)
	if b.TimeoutAction != nil {
		args = append(args, "--timeout-action", strconv.Itoa(*b.TimeoutAction))
	}
	if b.TimeoutNavigation != nil {
		args = append(args, "--timeout-navigation", strconv.Itoa(*b.TimeoutNavigation))
	}
	str("--image-responses", b.ImageResponses)
	str("--user-agent", b.UserAgent)
	str("--init-script", b.InitScript)
	boolean("--ignore-https-errors", b.IgnoreHTTPSErrors)
	boolean("--extension", b.Extension)
	str("--extension-token", b.ExtensionToken)

	return args
}
