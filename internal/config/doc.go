// Package config loads the bridge configuration from config.yaml,
// merging file values over built-in defaults. A missing file is not an
// error; the defaults describe a fully working localhost setup.
package config
