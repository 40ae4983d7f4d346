package dateformat

import "time"

// Named layouts accepted by inFormat and outFormat. Any other value is
// used as a Go reference-time layout.
var layouts = map[string]string{
	"Layout":      time.Layout,
	"ANSIC":       time.ANSIC,
	"UnixDate":    time.UnixDate,
	"RubyDate":    time.RubyDate,
	"RFC822":      time.RFC822,
	"RFC822Z":     time.RFC822Z,
	"RFC850":      time.RFC850,
	"RFC1123":     time.RFC1123,
	"RFC1123Z":    time.RFC1123Z,
	"RFC3339":     time.RFC3339,
	"RFC3339Nano": time.RFC3339Nano,
	"Kitchen":     time.Kitchen,
	"Stamp":       time.Stamp,
	"StampMilli":  time.StampMilli,
	"StampMicro":  time.StampMicro,
	"StampNano":   time.StampNano,
	"DateTime":    time.DateTime,
	"DateOnly":    time.DateOnly,
	"TimeOnly":    time.TimeOnly,
}

// Epoch formats read and write numbers instead of strings.
const (
	FormatUnix   = "Unix"
	FormatUnixMs = "UnixMs"
)

var dateStyles = map[string]string{
	"YYYY_MM_DD":       "2006-01-02",
	"DD_MM_YYYY":       "02-01-2006",
	"MM_DD_YYYY":       "01-02-2006",
	"YYYY_MM_DD_SLASH": "2006/01/02",
	"DD_MM_YYYY_SLASH": "02/01/2006",
	"MM_DD_YYYY_SLASH": "01/02/2006",
}

var timeStyles = map[string]string{
	"24_HOUR":    "15:04:05",
	"12_HOUR":    "03:04:05 PM",
	"24_HOUR_HM": "15:04",
	"12_HOUR_HM": "03:04 PM",
}

// layoutFor resolves a format name, applying the date and time styles to
// the DateTime, DateOnly and TimeOnly formats.
func layoutFor(format, dateStyle, timeStyle string) string {
	d, t := dateStyles[dateStyle], timeStyles[timeStyle]
	switch format {
	case "DateTime":
		if d == "" {
			d = time.DateOnly
		}
		if t == "" {
			t = time.TimeOnly
		}
		return d + " " + t
	case "DateOnly":
		if d != "" {
			return d
		}
	case "TimeOnly":
		if t != "" {
			return t
		}
	}
	if l, ok := layouts[format]; ok {
		return l
	}
	return format
}
