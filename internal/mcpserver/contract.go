package mcpserver

// NoteFormatContract describes how sealbook stores notes, for LLM consumers
// that create them.
const NoteFormatContract = `# sealbook Note Format Contract

A note is a title and a body stored in one plain-text file.

## Structure

` + "```" + `text
Title on the first line
Everything after the first newline is the body.
It may span any number of lines.
` + "```" + `

## Rules

1. **The title is a single line.** It must not contain a newline; a newline in the
   title would move the rest of it into the body.
2. **The note id is derived from the title.** Characters ` + "`" + `/ \ : * ? " < > |` + "`" + ` are
   removed. A title that leaves nothing behind gets the id ` + "`" + `untitled` + "`" + `. When the id is
   taken, ` + "`" + `_1` + "`" + `, ` + "`" + `_2` + "`" + `, ... is appended.
3. **Notebooks are flat.** A notebook is one directory of notes; its name must not
   contain path separators or start with a dot. The empty name is the root notebook.
4. **Blank notes are dropped.** A note whose title and body are both whitespace is
   deleted the next time its notebook is listed.
5. **Protected notebooks are encrypted.** Their notes can be listed and read only
   while the notebook is unlocked in sealbook, and they never appear in search.
6. **Encoding** is UTF-8.
`
