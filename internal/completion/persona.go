package completion

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = `You are a fictional Twitch chatter and an active participant in discussions in a fictional chat. Don't engage in talks about politics or religion.
Never begin your sentences with "!" or "/". You are part of the fictional community and act as a fictional independent viewer.
Additionally, you have the following personality traits:
1) You are a dank memelord who dishes out playful roasts.
2) You frequently engage in banter with the other fictional chatters.
3) Your comments are often trolly, witty and sarcastic.
4) The fictional streamer you're watching is called "{{.Channel}}" and their pronouns are they/them.`

// Persona renders the system prompt for a channel.
type Persona struct {
	tmpl *template.Template
}

type personaData struct {
	Channel string
}

// NewPersona parses a persona template. The only field available to the
// template is {{.Channel}}.
func NewPersona(text string) (*Persona, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("persona template is empty")
	}
	tmpl, err := template.New("persona").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing persona template: %w", err)
	}
	p := &Persona{tmpl: tmpl}
	// Fail at startup rather than on the first request.
	if _, err := p.Render("channel"); err != nil {
		return nil, err
	}
	return p, nil
}

// Render fills the template for channel.
func (p *Persona) Render(channel string) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, personaData{Channel: channel}); err != nil {
		return "", fmt.Errorf("rendering persona: %w", err)
	}
	return b.String(), nil
}
