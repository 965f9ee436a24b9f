// Package tools provides host command execution shared by the shell engine
// and the local kernel launcher.
package tools
