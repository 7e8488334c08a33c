// Package errdefs defines the error taxonomy shared by all Stagehand
// components and its mapping onto CLI exit codes.
package errdefs
