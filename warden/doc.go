// Package warden implements a Discord bot whose credentials live in the
// database rather than in its process environment.
//
// The bot token is stored as a single-row table (see [BotConfig] and
// [ConfigStore]), written once by the interactive `warden init` command
// and read back at startup by the bot runtime. The singleton property is
// enforced by the database itself via a unique index over a constant
// expression, so concurrent writers cannot race their way into a second
// row.
//
// Key components of the package include:
//
//   - Warden: The main struct that supervises the bot runtime.
//   - ConfigStore: Reads, creates, and rotates the stored bot credentials.
//   - Discord: Handles the Discord gateway session.
//   - API: A small status HTTP server.
//   - ConfigNotifier: Propagates credential changes to running instances.
//
// Supported databases are SQLite and PostgreSQL. On PostgreSQL,
// LISTEN/NOTIFY is used to announce token rotations to other running
// instances.
package warden
