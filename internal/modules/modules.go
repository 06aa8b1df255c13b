package modules

import (
	"github.com/oriys/polaris/internal/probe"
	"github.com/oriys/polaris/internal/store"
)

// Registered module names. Dependency declarations, norun sets and
// profile documents refer to these.
const (
	NameASN                = "ASN"
	NameCertCheck          = "CertCheck"
	NameDNSResolver        = "DNSResolver"
	NameDomainAge          = "DomainAge"
	NameGeoIP              = "GeoIP"
	NameGooglePageRank     = "GooglePageRank"
	NameGoogleSafeBrowsing = "GoogleSafeBrowsing"
	NameGoogleSearch       = "GoogleSearch"
	NameIPVoid             = "IPVoid"
	NameMXToolbox          = "MXToolbox"
	NameNmap               = "Nmap"
	NameRobotsTxt          = "RobotsTxt"
	NameSpellChecker       = "SpellChecker"
	NameTraceroute         = "Traceroute"
	NameTypo               = "Typo"
	NameVirusTotal         = "VirusTotal"
	NameWOT                = "WOT"
	NameWhois              = "Whois"
)

// Deps are the process-wide collaborators every module is built with.
type Deps struct {
	Probe   *probe.Client
	Store   store.Store
	Profile Profile
}

// All constructs every known module. This table is the single
// authoritative module list: a module exists exactly when its
// constructor is listed here.
func All(deps Deps) []Module {
	return []Module{
		NewASN(deps),
		NewCertCheck(deps),
		NewDNSResolver(deps),
		NewDomainAge(deps),
		NewGeoIP(deps),
		NewGooglePageRank(deps),
		NewGoogleSafeBrowsing(deps),
		NewGoogleSearch(deps),
		NewIPVoid(deps),
		NewMXToolbox(deps),
		NewNmap(deps),
		NewRobotsTxt(deps),
		NewSpellChecker(deps),
		NewTraceroute(deps),
		NewTypo(deps),
		NewVirusTotal(deps),
		NewWOT(deps),
		NewWhois(deps),
	}
}
