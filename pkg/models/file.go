package models

import (
	"strconv"
	"strings"
	"time"
)

// FileUniqueField is the cache key attribute of File.
const FileUniqueField = "name"

// File is an entry of a blob container, a node directory or a local
// folder. Name is the full slash-separated path inside its container.
type File struct {
	Name          string    `json:"name"`
	IsDirectory   bool      `json:"isDirectory"`
	ContentLength int64     `json:"contentLength,omitempty"`
	ContentType   string    `json:"contentType,omitempty"`
	LastModified  time.Time `json:"lastModified,omitempty"`
	ETag          string    `json:"eTag,omitempty"`
	URL           string    `json:"url,omitempty"`
}

// BaseName returns the last path element of the file name.
func (f File) BaseName() string {
	name := strings.TrimSuffix(f.Name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// FileSchema lists the attributes of File by wire name.
var FileSchema = Schema[File]{
	"name":          {Get: func(f File) string { return f.Name }, Copy: func(d *File, s File) { d.Name = s.Name }},
	"isDirectory":   {Get: func(f File) string { return strconv.FormatBool(f.IsDirectory) }, Copy: func(d *File, s File) { d.IsDirectory = s.IsDirectory }},
	"contentLength": {Get: func(f File) string { return strconv.FormatInt(f.ContentLength, 10) }, Copy: func(d *File, s File) { d.ContentLength = s.ContentLength }},
	"contentType":   {Get: func(f File) string { return f.ContentType }, Copy: func(d *File, s File) { d.ContentType = s.ContentType }},
	"lastModified":  {Copy: func(d *File, s File) { d.LastModified = s.LastModified }},
	"eTag":          {Get: func(f File) string { return f.ETag }, Copy: func(d *File, s File) { d.ETag = s.ETag }},
	"url":           {Get: func(f File) string { return f.URL }, Copy: func(d *File, s File) { d.URL = s.URL }},
}

func (f File) Field(name string) (string, bool)         { return FileSchema.Field(f, name) }
func (f File) MergeFields(o File, fields []string) File { return FileSchema.Merge(f, o, fields) }
