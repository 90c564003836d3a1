//go:build darwin

package hotkeyos

import "golang.design/x/hotkey"

var modifiers = map[string]hotkey.Modifier{
	"ctrl":   hotkey.ModCtrl,
	"shift":  hotkey.ModShift,
	"alt":    hotkey.ModOption,
	"option": hotkey.ModOption,
	"super":  hotkey.ModCmd,
	"cmd":    hotkey.ModCmd,
}
