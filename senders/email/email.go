package email

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/fiffu/archivist/lib/models"
)

var (
	//go:embed quarantine.html
	quarantineHTML     string
	quarantineTemplate = template.Must(template.New("quarantine.html").Parse(quarantineHTML))
)

func mustFillTemplate(tmpl *template.Template, values any) string {
	buf := new(strings.Builder)
	err := tmpl.Execute(buf, values)
	if err != nil {
		return ""
	}
	return buf.String()
}

type QuarantineEmailFormat struct {
	Subscription *models.Subscription
	Cause        string
	At           time.Time
}

func (ef *QuarantineEmailFormat) When() string {
	return ef.At.UTC().Format(time.RFC1123)
}

func (ef *QuarantineEmailFormat) Subject() string {
	name := ef.Subscription.Artist.Name
	if name == "" {
		name = fmt.Sprintf("subscription #%d", ef.Subscription.ID)
	}
	return fmt.Sprintf("Archivist: stopped polling %s", name)
}

func (ef *QuarantineEmailFormat) Body() string {
	return mustFillTemplate(quarantineTemplate, ef)
}
