//go:build windows

package cmd

import "os"

// Windows has no hangup signal; reload through the websocket feed instead.
var reloadSignals []os.Signal
