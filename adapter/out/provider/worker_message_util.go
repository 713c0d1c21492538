package provider

import (
	"net/mail"
	"sort"
	"strings"

	"ticket_worker/core/domain"
)

type emailAddress struct {
	Name    string
	Address string
}

// parseEmailAddress parses a From header, keeping the raw value as the
// address when it is not RFC 5322 conformant.
func parseEmailAddress(raw string) emailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return emailAddress{}
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return emailAddress{Name: addr.Name, Address: strings.ToLower(addr.Address)}
	}

	// Name <addr> with characters net/mail rejects
	if lt := strings.LastIndex(raw, "<"); lt >= 0 {
		if gt := strings.LastIndex(raw, ">"); gt > lt {
			return emailAddress{
				Name:    strings.Trim(strings.TrimSpace(raw[:lt]), `"`),
				Address: strings.ToLower(strings.TrimSpace(raw[lt+1 : gt])),
			}
		}
	}
	return emailAddress{Address: strings.ToLower(raw)}
}

// sortByReceived orders messages oldest first, keeping provider order on ties.
func sortByReceived(messages []domain.NormalizedMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
}
