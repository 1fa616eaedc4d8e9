// Package threatintel talks to the external threat intelligence services:
// URLScan.io for URL scans, AlienVault OTX for subscribed pulses and
// VirusTotal for URL submissions. A provider without an API key fails with
// ErrNotConfigured and makes no request.
package threatintel
