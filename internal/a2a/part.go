package a2a

// PartKind discriminates the closed Part union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// Part is one unit of content inside a message or artifact. It is a closed
// tagged variant: exactly one of Text, File, or Data is populated according
// to Kind.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent is the payload of a file part: inline bytes or a URI
// reference, never both.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// FilePart builds a file part.
func FilePart(file FileContent) Part {
	return Part{Kind: PartKindFile, File: &file}
}

// DataPart builds a data part carrying an arbitrary JSON value.
func DataPart(data any) Part {
	return Part{Kind: PartKindData, Data: data}
}

func (p Part) clone() Part {
	if p.File != nil {
		f := *p.File
		if f.Bytes != nil {
			f.Bytes = append([]byte(nil), f.Bytes...)
		}
		p.File = &f
	}
	p.Metadata = cloneMetadata(p.Metadata)
	return p
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	c := make([]Part, len(parts))
	for i, p := range parts {
		c[i] = p.clone()
	}
	return c
}
