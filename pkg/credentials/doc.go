// Package credentials resolves provider accounts for the orchestrator.
//
// Accounts are declared in configuration. Secrets stay outside it: an account
// names the environment variables (token_env, access_key_env, ...) and files
// (credentials_file, ssh_key_file) that hold them, and Resolve reads them on
// each call.
//
// The orchestrator only runs deployments on accounts whose credential status
// is valid. Verify sets that status at startup by resolving every account and
// optionally calling the provider; with a store, the status is persisted and
// read back on each lookup.
package credentials
