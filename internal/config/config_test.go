package config

import "testing"

func validConfig() Config {
	return Config{
		Account: AccountConfig{Key: "acct1"},
		Broker:  BrokerConfig{Mode: "memory"},
		Targets: []TargetConfig{
			{Symbol: "SHFE.rb2410", TargetVolume: 5, PriceMode: "ACTIVE", OffsetPriority: "今昨,开"},
		},
	}
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateMissingAccountKey(t *testing.T) {
	cfg := validConfig()
	cfg.Account.Key = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing account key")
	}
}

func TestValidateBadBrokerMode(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown broker mode")
	}
}

func TestValidateWSModeRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.Mode = "ws"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for ws mode without ws_url")
	}
	cfg.Broker.WSURL = "wss://example.test/feed"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config once ws_url set, got %v", err)
	}
}

func TestValidateNoTargets(t *testing.T) {
	cfg := validConfig()
	cfg.Targets = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for no targets")
	}
}

func TestValidateAsymmetricSplit(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].MinVolume = 5
	cfg.Targets[0].MaxVolume = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for asymmetric min/max volume")
	}
}

func TestValidateBadPriceMode(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].PriceMode = "MARKET"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported price mode")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{
		Account: AccountConfig{Key: "acct1"},
		Targets: []TargetConfig{{Symbol: "SHFE.rb2410"}},
	}
	cfg.applyDefaults()

	if cfg.Broker.Mode != "memory" {
		t.Errorf("expected default broker mode memory, got %q", cfg.Broker.Mode)
	}
	if cfg.Targets[0].OffsetPriority != "今昨,开" {
		t.Errorf("expected default offset priority, got %q", cfg.Targets[0].OffsetPriority)
	}
	if cfg.Targets[0].PriceMode != "ACTIVE" {
		t.Errorf("expected default price mode ACTIVE, got %q", cfg.Targets[0].PriceMode)
	}
}
