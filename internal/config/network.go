package config

import (
	"time"

	"tok-chat/go-backend/internal/waku"
)

type NetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PresenceInterval    time.Duration `yaml:"presenceInterval"`
	PresenceTTL         time.Duration `yaml:"presenceTTL"`
}

func MergeNetwork(dst *waku.Config, src NetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableFilter != nil {
		dst.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.FailoverV1 != nil {
		dst.FailoverV1 = *src.FailoverV1
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	setDuration(&dst.ReconnectInterval, src.ReconnectInterval)
	setDuration(&dst.ReconnectBackoffMax, src.ReconnectBackoffMax)
	setDuration(&dst.PresenceInterval, src.PresenceInterval)
	setDuration(&dst.PresenceTTL, src.PresenceTTL)
}
