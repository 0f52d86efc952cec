package dispatch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recipient is a single delivery target. ID, when set, is carried into the
// delivered copy as its recipient id.
type Recipient struct {
	Address string `yaml:"address"`
	ID      *int64 `yaml:"id,omitempty"`
}

// LoadRecipients reads a YAML list of recipients from path:
//
//	- address: alice@example.com
//	  id: 1
//	- address: bob@example.com
func LoadRecipients(path string) ([]Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}

	var recipients []Recipient
	if err := yaml.Unmarshal(data, &recipients); err != nil {
		return nil, fmt.Errorf("failed to parse recipients file: %w", err)
	}

	for i := range recipients {
		recipients[i].Address = strings.TrimSpace(recipients[i].Address)
		if recipients[i].Address == "" {
			return nil, fmt.Errorf("recipient %d: address is required", i+1)
		}
	}

	return recipients, nil
}
