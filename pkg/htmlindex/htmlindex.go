// Package htmlindex renders a human-browsable HTML index over the Link
// Table, supplementing the JSON index the Redirect Frontend serves at "/"
// (spec §6). Grounded on original_source/scripts/make_index_pages.py
// (per-label, per-subdir index pages built from repodata/channeldata
// documents) and on canonical-lxd-imagebuilder/shared/util.go's
// RenderTemplate helper for templating with pongo2 from a plain string
// template rather than files on disk.
package htmlindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flosch/pongo2/v4"

	"github.com/kalbasit/repodata-tools/pkg/linktable"
)

const channelIndexTemplate = `<!DOCTYPE html>
<html>
<head><title>{{ channel }} index</title></head>
<body>
<h1>{{ channel }}</h1>
<ul>
{% for label in labels %}
  <li><a href="label/{{ label }}/index.html">{{ label }}</a></li>
{% endfor %}
</ul>
</body>
</html>
`

const labelIndexTemplate = `<!DOCTYPE html>
<html>
<head><title>{{ channel_name }} index</title></head>
<body>
<h1>{{ channel_name }}</h1>
<ul>
{% for subdir in subdirs %}
  <li>
    <a href="{{ subdir.name }}/">{{ subdir.name }}</a>
    {% if subdir.repodata %}(<a href="{{ subdir.repodata }}">repodata.json</a>){% endif %}
  </li>
{% endfor %}
</ul>
{% if channeldata %}<p><a href="{{ channeldata }}">channeldata.json</a></p>{% endif %}
</body>
</html>
`

// subdirEntry is one row of a per-label index page: the subdir name plus
// the latest repodata.json URL published for it, if any.
type subdirEntry struct {
	Name     string
	Repodata string
}

// render executes tpl against ctx, the Go-native equivalent of
// RenderTemplate's pongo2.FromString + Execute pair.
func render(tpl string, ctx pongo2.Context) (string, error) {
	t, err := pongo2.FromString(tpl)
	if err != nil {
		return "", fmt.Errorf("htmlindex: parsing template: %w", err)
	}

	out, err := t.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("htmlindex: executing template: %w", err)
	}

	return out, nil
}

// Channel renders the top-level "/index.html" page for channel, one entry
// per label the Link Table has ever observed.
func Channel(table *linktable.Table, channel string) (string, error) {
	labels := append([]string(nil), table.Labels...)
	sort.Strings(labels)

	return render(channelIndexTemplate, pongo2.Context{
		"channel": channel,
		"labels":  labels,
	})
}

// Label renders the "/label/<L>/index.html" page for label across subdirs,
// mirroring make_index_pages.py's per-label _make_subdir_index_html loop:
// one row per subdir with its latest published repodata.json URL, plus a
// link to the label's channeldata.json when one has been published.
func Label(table *linktable.Table, channel, label string, subdirs []string) (string, error) {
	channelName := channel
	if label != "main" {
		channelName = fmt.Sprintf("%s/label/%s", channel, label)
	}

	entries := make([]subdirEntry, 0, len(subdirs))

	for _, subdir := range subdirs {
		fname := fmt.Sprintf("repodata_%s_%s.json", subdir, label)

		entries = append(entries, subdirEntry{
			Name:     subdir,
			Repodata: latestURL(table, fname),
		})
	}

	return render(labelIndexTemplate, pongo2.Context{
		"channel_name": channelName,
		"subdirs":      entries,
		"channeldata":  latestURL(table, fmt.Sprintf("channeldata_%s.json", label)),
	})
}

// latestURL returns the newest published URL for filename, or "" if none
// has been published yet (spec §3 Link Table "serverdata": newest last).
func latestURL(table *linktable.Table, filename string) string {
	urls := table.Serverdata[filename]
	if len(urls) == 0 {
		return ""
	}

	return urls[len(urls)-1]
}

// subdirsFromLabels derives the fixed subdir enumeration this deployment
// serves index pages for, from the set of filenames already published for
// label — used when the caller has no independent Subdirs configuration
// handy (e.g. the redirect frontend, which only ever sees the Link Table).
func subdirsFromLabels(table *linktable.Table, label string) []string {
	prefix := "repodata_"
	suffix := "_" + label + ".json"

	set := map[string]bool{}

	for fname := range table.Serverdata {
		if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, suffix) {
			continue
		}

		// repodata_from_packages_<subdir>_<label>.json shares the prefix and suffix.
		if strings.HasPrefix(fname, "repodata_from_packages_") {
			continue
		}

		set[fname[len(prefix):len(fname)-len(suffix)]] = true
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}

	sort.Strings(out)

	return out
}

// LabelFromTable renders Label using the subdir enumeration recovered from
// the Link Table itself (see subdirsFromLabels), for callers that don't
// carry an explicit subdir list.
func LabelFromTable(table *linktable.Table, channel, label string) (string, error) {
	return Label(table, channel, label, subdirsFromLabels(table, label))
}
