// Package tenant resolves and validates caller identity for multi-tenant
// requests. Identity arrives as a (type, id) pair carried in HTTP headers on
// networked transports or as optional top-level payload fields on the stdio
// transport. Resolution is purely structural: no network or storage access,
// safe to repeat on retries.
package tenant
