package collect

import "strings"

// Acquisition is one fixed command that leaves one artifact in the
// target's temp area. The artifact path and then OverwriteSwitch are
// appended to Args.
type Acquisition struct {
	Prefix          string
	Args            []string
	Ext             string
	OverwriteSwitch string
	// Stage copies Args[0] from the working directory onto the target.
	Stage bool
}

// Report is one live-response command whose output is captured locally.
type Report struct {
	Prefix string
	Args   []string
}

var registryHives = []string{"SAM", "SECURITY", "SOFTWARE", "SYSTEM"}

// RegistryCatalog saves the machine hives with reg save.
func RegistryCatalog() []Acquisition {
	out := make([]Acquisition, 0, len(registryHives))
	for _, hive := range registryHives {
		out = append(out, Acquisition{
			Prefix:          "registry-" + hive,
			Args:            []string{"reg", "save", `HKLM\` + hive},
			Ext:             "hiv",
			OverwriteSwitch: "/y",
		})
	}
	return out
}

var eventLogs = []string{
	"System",
	"Security",
	"Application",
	"Windows PowerShell",
	"Microsoft-Windows-PowerShell/Operational",
	"Microsoft-Windows-TaskScheduler/Operational",
	"Microsoft-Windows-TerminalServices-LocalSessionManager/Operational",
	"Microsoft-Windows-Windows Defender/Operational",
}

var eventPrefixReplacer = strings.NewReplacer("/", "-", " ", "-")

// EventsCatalog exports the event logs with wevtutil epl.
func EventsCatalog() []Acquisition {
	out := make([]Acquisition, 0, len(eventLogs))
	for _, log := range eventLogs {
		out = append(out, Acquisition{
			Prefix:          "events-" + eventPrefixReplacer.Replace(log),
			Args:            []string{"wevtutil", "epl", log},
			Ext:             "evtx",
			OverwriteSwitch: "/ow:true",
		})
	}
	return out
}

// MemoryAcquisition images physical memory with a staged winpmem.
func MemoryAcquisition(winpmem string) Acquisition {
	return Acquisition{Prefix: "memory", Args: []string{winpmem}, Ext: "raw", Stage: true}
}

// WindowsReports are captured before anything else touches the target.
func WindowsReports() []Report {
	return []Report{
		{"running-processes", []string{"tasklist", "/v"}},
		{"network-connections", []string{"netstat", "-ano"}},
		{"network-config", []string{"ipconfig", "/all"}},
		{"dns-cache", []string{"ipconfig", "/displaydns"}},
		{"system-info", []string{"systeminfo"}},
		{"scheduled-tasks", []string{"schtasks", "/query", "/fo", "LIST", "/v"}},
		{"services", []string{"sc", "queryex", "type=", "service", "state=", "all"}},
		{"local-users", []string{"net", "user"}},
		{"logged-on-users", []string{"query", "user"}},
	}
}

// WMIReports are the live-response reports over WMIC, which takes aliases
// rather than shell command lines.
func WMIReports() []Report {
	return []Report{
		{"running-processes", []string{"process", "list", "full"}},
		{"network-config", []string{"nicconfig", "list", "full"}},
		{"system-info", []string{"os", "list", "full"}},
		{"services", []string{"service", "list", "full"}},
		{"startup", []string{"startup", "list", "full"}},
		{"local-users", []string{"useraccount", "list", "full"}},
		{"logged-on-users", []string{"netlogin", "list", "brief"}},
		{"shares", []string{"share", "list", "full"}},
		{"hotfixes", []string{"qfe", "list", "full"}},
	}
}

// PosixReports are the live-response commands for Linux targets.
func PosixReports() []Report {
	return []Report{
		{"running-processes", []string{"ps", "auxww"}},
		{"network-connections", []string{"ss", "-tunap"}},
		{"network-config", []string{"ip", "addr"}},
		{"system-info", []string{"uname", "-a"}},
		{"logged-on-users", []string{"who", "-a"}},
		{"crontab", []string{"crontab", "-l"}},
	}
}
