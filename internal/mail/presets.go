package mail

import (
	"strings"

	"task-automation-service/internal/models"
)

// Endpoints are the resolved server addresses of a mailbox.
type Endpoints struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
	Folder   string
}

var presets = map[models.Provider]Endpoints{
	models.ProviderGmail:   {IMAPHost: "imap.gmail.com", IMAPPort: 993, SMTPHost: "smtp.gmail.com", SMTPPort: 587},
	models.ProviderOutlook: {IMAPHost: "outlook.office365.com", IMAPPort: 993, SMTPHost: "smtp.office365.com", SMTPPort: 587},
}

// Resolve fills the server addresses from the provider preset. Explicit
// values in the config win over the preset.
func Resolve(cfg models.MailboxConfig) Endpoints {
	ep := presets[cfg.Provider]
	if cfg.IMAPHost != "" {
		ep.IMAPHost = cfg.IMAPHost
	}
	if cfg.IMAPPort != 0 {
		ep.IMAPPort = cfg.IMAPPort
	}
	if cfg.SMTPHost != "" {
		ep.SMTPHost = cfg.SMTPHost
	}
	if cfg.SMTPPort != 0 {
		ep.SMTPPort = cfg.SMTPPort
	}
	if ep.IMAPPort == 0 {
		ep.IMAPPort = 993
	}
	if ep.SMTPPort == 0 {
		ep.SMTPPort = 587
	}
	ep.Folder = strings.TrimSpace(cfg.Folder)
	if ep.Folder == "" {
		ep.Folder = "INBOX"
	}
	return ep
}
