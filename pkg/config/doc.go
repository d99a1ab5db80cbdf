// Package config loads the cirrus server configuration and validates machine
// specs.
//
// # Server configuration
//
// Load builds a Config in three layers: Default, then the YAML file, then
// environment variables prefixed with CIRRUS_. Nested sections use their own
// prefix, so orchestrator.retry.max_retries is CIRRUS_ORCHESTRATOR_RETRY_MAX_RETRIES.
// Unknown YAML keys are rejected. The result is checked with validator tags
// and a few cross-section rules; every failure is reported at once as
// ValidationErrors.
//
//	server:
//	  addr: ":8080"
//	database:
//	  path: /var/lib/cirrus/cirrus.db
//	orchestrator:
//	  max_workers: 8
//	  retry: {max_retries: 3, base_delay: 5s, max_delay: 1m}
//	accounts:
//	  - id: hetzner-main
//	    tenant_id: team-a
//	    provider: hetzner
//	    token_env: HCLOUD_TOKEN
//
// # Machine specs
//
// SpecValidator checks create specs in two steps: struct tags on
// engine.MachineSpec, then the CUE definition registered for the spec's
// provider (#DigitalOcean, #AWS, #GCP or #Hetzner), which constrains region,
// size, image and tag naming. It implements engine.SpecValidator.
//
// SpecParser reads specs for the CLI from CUE, YAML or JSON. A document holds
// one spec, or a "machines" list or map:
//
//	_base: {provider: "hetzner", provider_account_id: "hetzner-main",
//	        region: "fsn1", size: "cx22", image: "ubuntu-24.04"}
//	machines: {
//	    "web-1": _base
//	    "web-2": _base & {tags: role: "canary"}
//	}
package config
