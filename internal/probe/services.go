package probe

// UnknownService is the sentinel for ports with no table entry.
const UnknownService = "UNKNOWN"

// wellKnownServices maps common ports to service names for scan reports.
var wellKnownServices = map[int]string{
	20:    "FTP-DATA",
	21:    "FTP",
	22:    "SSH",
	23:    "TELNET",
	25:    "SMTP",
	53:    "DNS",
	67:    "DHCP",
	68:    "DHCP",
	69:    "TFTP",
	80:    "HTTP",
	110:   "POP3",
	119:   "NNTP",
	123:   "NTP",
	135:   "MSRPC",
	137:   "NETBIOS",
	138:   "NETBIOS",
	139:   "NETBIOS",
	143:   "IMAP",
	161:   "SNMP",
	179:   "BGP",
	194:   "IRC",
	389:   "LDAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	514:   "SYSLOG",
	587:   "SMTP",
	636:   "LDAPS",
	873:   "RSYNC",
	993:   "IMAPS",
	995:   "POP3S",
	1080:  "SOCKS",
	1433:  "MSSQL",
	1521:  "ORACLE",
	1723:  "PPTP",
	2049:  "NFS",
	2375:  "DOCKER",
	3128:  "PROXY",
	3306:  "MYSQL",
	3389:  "RDP",
	5060:  "SIP",
	5222:  "XMPP",
	5432:  "POSTGRES",
	5900:  "VNC",
	6379:  "REDIS",
	6667:  "IRC",
	8080:  "HTTP-ALT",
	8443:  "HTTPS-ALT",
	9090:  "HTTP-ALT",
	9200:  "ELASTICSEARCH",
	11211: "MEMCACHED",
	27017: "MONGODB",
}

// ServiceName returns the well-known service for a port, or UnknownService.
func ServiceName(port int) string {
	if name, ok := wellKnownServices[port]; ok {
		return name
	}
	return UnknownService
}
