// Package config provides centralized configuration management for the
// researchd runtime. It loads a JSON file at startup, applies defaults for
// omitted fields, and resolves credentials through environment indirection at
// call time so keys exported after boot are still picked up.
package config
