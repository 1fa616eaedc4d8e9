// Package audit keeps a SQLite log of chat commands, honeypot intrusions,
// configuration changes and restores.
//
// Every appended entry is also written to the process log as an AUDIT
// record. Actors with an intrusion entry are considered blacklisted.
package audit
