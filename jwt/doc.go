// Package jwt mints and verifies the signed access and refresh tokens of a chat session.
//
// Expiry is exclusive: a token issued at T with lifetime D verifies at T+D-1s
// and fails with ErrExpired from T+D onwards.
package jwt
