package constants

// BLOCK_SIZE is the largest number of bytes a single block request covers
const BLOCK_SIZE = 16384

// HASH_SIZE is the length of a SHA-1 piece digest
const HASH_SIZE = 20

const CLIENT_NAME = "torrent-layout"
const VERSION = "0.1.0"

// DEFAULT_PORT is where the command surface listens unless configured otherwise
const DEFAULT_PORT int = 8080
