package config

import (
	"fmt"
)

const defaultPageSize = 30

type Config struct {
	// BrokerURL is the websocket endpoint of the message broker. It may be
	// empty at construction time; the connection manager checks it again on
	// every activation attempt and stays disconnected while it is missing.
	BrokerURL string
	// APIBaseURL is the base URL of the REST API serving chat history.
	APIBaseURL string
	// PageSize is the number of messages requested per history page.
	PageSize int
}

func NewConfig(brokerURL, apiBaseURL string, pageSize int) (*Config, error) {
	if apiBaseURL == "" {
		return nil, fmt.Errorf("API base URL cannot be empty")
	}
	if pageSize < 0 {
		return nil, fmt.Errorf("page size cannot be negative")
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	return &Config{
		BrokerURL:  brokerURL,
		APIBaseURL: apiBaseURL,
		PageSize:   pageSize,
	}, nil
}
