// Package service maps (namespace, domain, service) triples to
// handlers. Apps and plugins register providers; callers route with an
// optional namespace override carried inside the call data. Providers
// registered under the global namespace answer for any target
// namespace that has no specific provider.
package service
