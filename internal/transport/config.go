package transport

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bft-labs/serialmux/internal/domain"
)

// Parity is the serial parity mode, using the single-letter convention of
// most serial tooling.
type Parity byte

const (
	ParityNone  Parity = 'N'
	ParityEven  Parity = 'E'
	ParityOdd   Parity = 'O'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

func (p Parity) String() string { return string(rune(p)) }

// DefaultBaud is used when a device spec does not name a baud rate.
const DefaultBaud = 9600

// Config describes how to open a serial device.
type Config struct {
	Device   string
	Baud     int
	DataBits int
	Parity   Parity
	StopBits int
	// RTSCTS enables hardware flow control.
	RTSCTS bool
}

// DefaultConfig returns 9600 8N1 for device.
func DefaultConfig(device string) Config {
	return Config{
		Device:   device,
		Baud:     DefaultBaud,
		DataBits: 8,
		Parity:   ParityNone,
		StopBits: 1,
	}
}

// Validate reports parameter errors as ErrDeviceConfig.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("%w: device path is required", domain.ErrDeviceConfig)
	}
	if !SupportedBaud(c.Baud) {
		return fmt.Errorf("%w: unsupported baud rate %d", domain.ErrDeviceConfig, c.Baud)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: invalid data bits %d (must be 5..8)", domain.ErrDeviceConfig, c.DataBits)
	}
	switch c.Parity {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("%w: invalid parity %q", domain.ErrDeviceConfig, c.Parity)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: invalid stop bits %d (must be 1 or 2)", domain.ErrDeviceConfig, c.StopBits)
	}
	return nil
}

// String renders the config back into device spec form.
func (c Config) String() string {
	s := fmt.Sprintf("%s,baudrate=%d,bytesize=%d,parity=%s,stopbits=%d",
		c.Device, c.Baud, c.DataBits, c.Parity, c.StopBits)
	if c.RTSCTS {
		s += ",rtscts=1"
	}
	return s
}

// ParseSpec parses "path[,key=value...]" where keys are baudrate, bytesize,
// parity, stopbits and rtscts. Unset keys take DefaultConfig values.
func ParseSpec(spec string) (Config, error) {
	parts := strings.Split(spec, ",")
	cfg := DefaultConfig(strings.TrimSpace(parts[0]))
	if cfg.Device == "" {
		return cfg, fmt.Errorf("%w: empty device spec", domain.ErrDeviceConfig)
	}

	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return cfg, fmt.Errorf("%w: option %q is not key=value", domain.ErrDeviceConfig, opt)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "baudrate", "baud":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("%w: baudrate %q: %v", domain.ErrDeviceConfig, value, err)
			}
			cfg.Baud = n
		case "bytesize", "databits":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("%w: bytesize %q: %v", domain.ErrDeviceConfig, value, err)
			}
			cfg.DataBits = n
		case "parity":
			if len(value) != 1 {
				return cfg, fmt.Errorf("%w: parity %q", domain.ErrDeviceConfig, value)
			}
			cfg.Parity = Parity(strings.ToUpper(value)[0])
		case "stopbits":
			n, err := strconv.Atoi(value)
			if err != nil {
				return cfg, fmt.Errorf("%w: stopbits %q: %v", domain.ErrDeviceConfig, value, err)
			}
			cfg.StopBits = n
		case "rtscts":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return cfg, fmt.Errorf("%w: rtscts %q: %v", domain.ErrDeviceConfig, value, err)
			}
			cfg.RTSCTS = b
		default:
			return cfg, fmt.Errorf("%w: unknown option %q", domain.ErrDeviceConfig, key)
		}
	}
	return cfg, cfg.Validate()
}

var standardBauds = map[int]struct{}{
	50: {}, 75: {}, 110: {}, 134: {}, 150: {}, 200: {}, 300: {}, 600: {},
	1200: {}, 1800: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {},
	57600: {}, 115200: {}, 230400: {}, 460800: {}, 500000: {}, 576000: {},
	921600: {}, 1000000: {}, 1152000: {}, 1500000: {}, 2000000: {},
	2500000: {}, 3000000: {}, 3500000: {}, 4000000: {},
}

// SupportedBaud reports whether baud is a standard termios rate.
func SupportedBaud(baud int) bool {
	_, ok := standardBauds[baud]
	return ok
}

// SupportedBauds lists the accepted baud rates in ascending order.
func SupportedBauds() []int {
	out := make([]int, 0, len(standardBauds))
	for b := range standardBauds {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}
