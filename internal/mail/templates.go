package mail

import (
	"bytes"
	"embed"
	"fmt"
	htmltmpl "html/template"
	"io/fs"
	"path"
	"strings"
	texttmpl "text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// DateLayout is how dates appear in email bodies.
const DateLayout = "January 2, 2006 at 3:04 PM"

// KSh formats an amount as "KSh 1,234.50".
func KSh(v any) string {
	var f float64
	switch x := v.(type) {
	case decimal.Decimal:
		f = x.Round(2).InexactFloat64()
	case *decimal.Decimal:
		if x == nil {
			return "KSh 0.00"
		}
		f = x.Round(2).InexactFloat64()
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return fmt.Sprintf("KSh %v", v)
	}
	return "KSh " + humanize.FormatFloat("#,###.##", f)
}

// FormatDate renders t with DateLayout; nil or zero yields "N/A".
func FormatDate(v any) string {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return "N/A"
		}
		return x.Format(DateLayout)
	case *time.Time:
		if x == nil || x.IsZero() {
			return "N/A"
		}
		return x.Format(DateLayout)
	}
	return "N/A"
}

func ago(v any) string {
	switch x := v.(type) {
	case time.Time:
		return humanize.Time(x)
	case *time.Time:
		if x != nil {
			return humanize.Time(*x)
		}
	}
	return "never"
}

func funcs(site string) map[string]any {
	return map[string]any{
		"site":  func() string { return site },
		"ksh":   KSh,
		"date":  FormatDate,
		"ago":   ago,
		"comma": func(n int) string { return humanize.Comma(int64(n)) },
		"pct":   func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
		"upper": strings.ToUpper,
		"add1":  func(i int) int { return i + 1 },
	}
}

// Templates is the parsed set of email kinds. Each kind has a text
// template defining "subject" and "body", and optionally an HTML template
// defining "body".
type Templates struct {
	text map[string]*texttmpl.Template
	html map[string]*htmltmpl.Template
}

func MustTemplates(site string) *Templates {
	t, err := LoadTemplates(templateFS, site)
	if err != nil {
		panic(err)
	}
	return t
}

func LoadTemplates(fsys fs.FS, site string) (*Templates, error) {
	t := &Templates{
		text: map[string]*texttmpl.Template{},
		html: map[string]*htmltmpl.Template{},
	}
	names, err := fs.Glob(fsys, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	fm := funcs(site)
	for _, name := range names {
		base := path.Base(name)
		switch {
		case strings.HasSuffix(base, ".txt.tmpl"):
			kind := strings.TrimSuffix(base, ".txt.tmpl")
			tt, err := texttmpl.New(base).Funcs(fm).ParseFS(fsys, name)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", name, err)
			}
			t.text[kind] = tt
		case strings.HasSuffix(base, ".html.tmpl"):
			kind := strings.TrimSuffix(base, ".html.tmpl")
			ht, err := htmltmpl.New(base).Funcs(fm).ParseFS(fsys, name)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", name, err)
			}
			t.html[kind] = ht
		}
	}
	return t, nil
}

// Render produces subject and bodies for kind. Recipients are left empty.
func (t *Templates) Render(kind string, data any) (Message, error) {
	tt, ok := t.text[kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown email template %q", kind)
	}
	var subj, body bytes.Buffer
	if err := tt.ExecuteTemplate(&subj, "subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", kind, err)
	}
	if err := tt.ExecuteTemplate(&body, "body", data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", kind, err)
	}
	msg := Message{
		Subject: strings.Join(strings.Fields(subj.String()), " "),
		Text:    strings.TrimSpace(body.String()) + "\n",
	}
	if ht, ok := t.html[kind]; ok {
		var hb bytes.Buffer
		if err := ht.ExecuteTemplate(&hb, "body", data); err != nil {
			return Message{}, fmt.Errorf("render %s html: %w", kind, err)
		}
		msg.HTML = hb.String()
	}
	return msg, nil
}

// Kinds lists the text template kinds.
func (t *Templates) Kinds() []string {
	out := make([]string, 0, len(t.text))
	for k := range t.text {
		out = append(out, k)
	}
	return out
}
