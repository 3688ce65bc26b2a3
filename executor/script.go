package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// Sentinel pair for smuggling base64 image payloads through the
// line-oriented output stream. The markers are not expected to occur in
// normal program output.
const (
	ImageMarkerBegin = "<<<VOXCODER:IMAGE:"
	ImageMarkerEnd   = ":END>>>"
)

var imageRe = regexp.MustCompile(`(?s)` +
	regexp.QuoteMeta(ImageMarkerBegin) + `(.*?)` + regexp.QuoteMeta(ImageMarkerEnd) + `\n?`)

// extractImages pulls every marker-delimited payload out of the captured
// stream and returns the stream with the raw marker text removed.
func extractImages(raw string) (text string, images []string) {
	for _, m := range imageRe.FindAllStringSubmatch(raw, -1) {
		images = append(images, m[1])
	}
	text = imageRe.ReplaceAllString(raw, "")
	return text, images
}

// The harness template:
// - Sets matplotlib to the non-interactive Agg backend BEFORE user code
//   runs so plt.show() becomes a no-op and figures stay in memory
// - User code runs normally, printing to stdout
// - Epilogue captures all open figures and writes each one between the
//   sentinel markers as a base64 data URI, one marker pair per figure
const pythonHarnessTpl = `import sys as _sys, io as _io, base64 as _b64, warnings as _w
_w.filterwarnings("ignore")

try:
    import matplotlib as _mpl
    _mpl.use("Agg")
    import matplotlib.pyplot as _plt
    _HAS_MPL = True
except ImportError:
    _HAS_MPL = False

%s

if _HAS_MPL:
    for _n in _plt.get_fignums():
        _fig = _plt.figure(_n)
        _buf = _io.BytesIO()
        _fig.savefig(_buf, format="png", bbox_inches="tight", dpi=150)
        _buf.seek(0)
        _img = _b64.b64encode(_buf.read()).decode()
        _sys.stdout.write(%q + "data:image/png;base64," + _img + %q + "\n")
        _plt.close(_fig)
`

func pythonScript(userCode string) string {
	return fmt.Sprintf(pythonHarnessTpl, strings.TrimRight(userCode, "\n"), ImageMarkerBegin, ImageMarkerEnd)
}
