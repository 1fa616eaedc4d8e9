// Package cve looks up vulnerability details by CVE identifier through the
// CIRCL CVE search API and buckets CVSS scores into severity levels.
package cve
