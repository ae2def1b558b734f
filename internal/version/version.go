package version

import "fmt"

// Major versions are named after congresses and treaty conferences.
var conferences = []string{
	"westphalia", // 0 - 1648
	"utrecht",    // 1 - 1713
	"vienna",     // 2 - 1815
	"ghent",      // 3 - 1814
	"berlin",     // 4 - 1878
	"hague",      // 5 - 1899
	"versailles", // 6 - 1919
	"potsdam",    // 7 - 1945
	"helsinki",   // 8 - 1975
	"camp-david", // 9 - 1978
}

const (
	Major = 0
	Minor = 1
	Patch = 0
)

func Codename() string {
	if Major < len(conferences) {
		return conferences[Major]
	}
	return fmt.Sprintf("post-conference-%d", Major)
}

// Full is the version reported by binaries and the health endpoint.
func Full() string {
	return fmt.Sprintf("%s-%d.%d.%d", Codename(), Major, Minor, Patch)
}

func Short() string {
	return fmt.Sprintf("%s-%d.%d", Codename(), Major, Minor)
}
