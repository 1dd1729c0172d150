package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyEsc      = "esc"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeySettings = "s"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(settingsEnabled bool) string {
	help := "Tab: cycle focus | 1/2: jump to pane | j/k: select | pgup/pgdn: scroll | q: quit"
	if settingsEnabled {
		help += " | s: scheduler settings"
	}
	return StyleHelp.Render(help)
}
