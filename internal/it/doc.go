// Package it hosts the in-process cluster harness and the end-to-end tests
// that exercise several nodes talking to each other through it.
package it
