package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"pillmate/inventorywatch"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Sender is the part of *sendgrid.Client used here.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

const emailPlain = `
{{- .Body}}

Device PIN: {{.PIN}}
Refill the slots listed above and update the counts in PillMate.
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

// EmailNotifier mails alerts to the device owner through SendGrid.
type EmailNotifier struct {
	sender Sender
	from   *mail.Email
}

func NewEmailNotifier(sender Sender, fromName, fromAddress string) *EmailNotifier {
	return &EmailNotifier{
		sender: sender,
		from:   mail.NewEmail(fromName, fromAddress),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, alert inventorywatch.Alert) error {
	if alert.OwnerEmail == "" {
		slog.InfoContext(ctx, "Owner has no email address; not mailing alert", slog.String("pin", alert.PIN))
		return nil
	}

	message := mail.NewV3Mail()
	message.From = n.from
	message.Subject = alert.Title

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", alert.OwnerEmail))
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := emailPlainTemplate.Execute(textContent, alert); err != nil {
		return fmt.Errorf("while templating plain-text email content: %w", err)
	}
	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	resp, err := n.sender.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through Sendgrid: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}
