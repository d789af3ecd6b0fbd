package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected schema_version mismatch to be rejected")
	}
}

func TestValidateRejectsIPSThresholdOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.IPS.SafeModeThreshold = 0.9 // now >= SoftLimitThreshold
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected out-of-order ips thresholds to be rejected")
	}
}

func TestValidateRejectsV2VWithoutTLSMaterial(t *testing.T) {
	cfg := Defaults()
	cfg.V2V.Enabled = true
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected v2v.enabled without TLS material to be rejected")
	}
}

func TestValidateRejectsLightweightWithV2V(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.LightweightMode = true
	cfg.V2V.Enabled = true
	cfg.V2V.TLSCertFile = "/etc/canguard/cert.pem"
	cfg.V2V.TLSKeyFile = "/etc/canguard/key.pem"
	cfg.V2V.TLSCAFile = "/etc/canguard/ca.pem"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected lightweight_mode+v2v.enabled combination to be rejected")
	}
}

func TestValidateRejectsEmptyDeviceSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Security.Devices["ecu-1"] = DeviceKeyConfig{SecretHex: ""}
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected empty device secret to be rejected")
	}
}
