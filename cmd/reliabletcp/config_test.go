package main

import "testing"

func TestConfigValidate_OK(t *testing.T) {
	c := &appConfig{
		listenAddr: ":20000",
		logFormat:  "text",
		logLevel:   "info",
	}
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"negativeLogInterval", func(c *appConfig) { c.logMetricsEvery = -1 }},
	}
	for _, tc := range tests {
		base := &appConfig{listenAddr: ":20000", logFormat: "text", logLevel: "info"}
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
