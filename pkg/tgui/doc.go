// Package tgui builds message text for Telegram's HTML parse mode. Values
// of type H are already escaped; everything else goes through Esc.
package tgui
