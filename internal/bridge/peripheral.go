package bridge

import (
	"log/slog"

	"github.com/rb3e-bridge/rb3e-bridge/pkg/rb3e"
)

// LogPeripheral stands in for the USB lighting device and logs each
// command it would have sent. It always reports itself connected.
type LogPeripheral struct {
	Logger *slog.Logger
}

func (p *LogPeripheral) Connected() bool { return true }

func (p *LogPeripheral) Send(left, right byte) error {
	p.Logger.Debug("stagekit command",
		"left", left,
		"right", right,
		"command", commandName(right))
	return nil
}

func (p *LogPeripheral) AllOff() error {
	return p.Send(0, rb3e.AllOff)
}

func commandName(right byte) string {
	switch right {
	case rb3e.FogOn:
		return "fog_on"
	case rb3e.FogOff:
		return "fog_off"
	case rb3e.StrobeSpeed1, rb3e.StrobeSpeed2, rb3e.StrobeSpeed3, rb3e.StrobeSpeed4:
		return "strobe"
	case rb3e.StrobeOff:
		return "strobe_off"
	case rb3e.LEDBlue:
		return "led_blue"
	case rb3e.LEDGreen:
		return "led_green"
	case rb3e.LEDYellow:
		return "led_yellow"
	case rb3e.LEDRed:
		return "led_red"
	case rb3e.AllOff:
		return "all_off"
	default:
		return "unknown"
	}
}
