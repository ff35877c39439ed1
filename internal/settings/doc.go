// Package settings loads chatauthd configuration from a YAML file and
// CHATAUTH_* environment variables with viper.
package settings
